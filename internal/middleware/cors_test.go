package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func corsRequest(t *testing.T, fn gin.HandlerFunc, method, origin string) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(method, "/api/v1/contexts", nil)
	if origin != "" {
		c.Request.Header.Set("Origin", origin)
	}
	fn(c)
	return w
}

func TestCORS_AllowlistedOriginEchoed(t *testing.T) {
	fn := CORS([]string{"https://app.example.com"})

	w := corsRequest(t, fn, "GET", "https://app.example.com")
	require.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))
	require.Equal(t, "Origin", w.Header().Get("Vary"))

	w = corsRequest(t, fn, "GET", "https://evil.example.com")
	require.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORS_EmptyAllowlistGrantsAny(t *testing.T) {
	fn := CORS(nil)
	w := corsRequest(t, fn, "GET", "https://anywhere.example.com")
	require.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	require.Empty(t, w.Header().Get("Vary"))
}

func TestCORS_PreflightShortCircuits(t *testing.T) {
	fn := CORS([]string{"https://app.example.com"})
	w := corsRequest(t, fn, "OPTIONS", "https://app.example.com")
	require.Equal(t, http.StatusNoContent, w.Code)
	require.Equal(t, "600", w.Header().Get("Access-Control-Max-Age"))
}
