package repo

import (
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quillhq/contextd/internal/config"
	"github.com/quillhq/contextd/internal/db"
)

var (
	testDBOnce sync.Once
	testDB     *sql.DB
	testDBErr  error
)

// openTestDB connects to the database named by TEST_DB_* and applies the
// migrations. Tests are skipped when TEST_DB_HOST is unset.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	host := os.Getenv("TEST_DB_HOST")
	if host == "" {
		t.Skip("TEST_DB_HOST not set, skipping database tests")
	}
	testDBOnce.Do(func() {
		port := 5432
		if v := os.Getenv("TEST_DB_PORT"); v != "" {
			port, testDBErr = strconv.Atoi(v)
			if testDBErr != nil {
				return
			}
		}
		cfg := config.DatabaseConfig{
			Host:     host,
			Port:     port,
			User:     envOr("TEST_DB_USER", "postgres"),
			Password: os.Getenv("TEST_DB_PASSWORD"),
			DBName:   envOr("TEST_DB_NAME", "contextd_test"),
			SSLMode:  "disable",
		}
		testDB, testDBErr = db.Open(cfg)
		if testDBErr != nil {
			return
		}
		testDBErr = db.ApplyMigrations(testDB)
	})
	require.NoError(t, testDBErr)
	return testDB
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func uniqueID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

// testVector fills a migration-sized vector with a single hot dimension so
// distances between different seeds are deterministic.
func testVector(seed int) []float32 {
	vec := make([]float32, 1024)
	vec[seed%len(vec)] = 1
	return vec
}
