package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	raw, err := Encode(EventFileEmbedQueued, FileEmbedQueued{
		UserID:      "user-1",
		WorkspaceID: "ws-1",
		ContextID:   "ctx-1",
		FileID:      "file-1",
		BlobID:      "blob-1",
		FileName:    "notes.md",
		MimeType:    "text/markdown",
	})
	require.NoError(t, err)

	env := &Envelope{}
	require.NoError(t, json.Unmarshal(raw, env))
	require.Equal(t, EventFileEmbedQueued, env.Type)

	evt := &FileEmbedQueued{}
	require.NoError(t, env.Decode(evt))
	require.Equal(t, "ctx-1", evt.ContextID)
	require.Equal(t, "blob-1", evt.BlobID)
}

func TestEnvelopeDecode_WrongShape(t *testing.T) {
	env := &Envelope{Type: EventDocEmbedQueued, Payload: json.RawMessage(`["not","an","object"]`)}
	evt := &DocEmbedQueued{}
	require.Error(t, env.Decode(evt))
}

func TestConsumerDispatch(t *testing.T) {
	consumer := &Consumer{handlers: make(map[string]HandlerFunc)}
	var got *DocEmbedFailed
	consumer.Handle(EventDocEmbedFailed, func(ctx context.Context, env *Envelope) error {
		evt := &DocEmbedFailed{}
		if err := env.Decode(evt); err != nil {
			return err
		}
		got = evt
		return nil
	})

	raw, err := Encode(EventDocEmbedFailed, DocEmbedFailed{ContextID: "ctx-1", DocID: "doc-1"})
	require.NoError(t, err)
	consumer.dispatch(context.Background(), raw)
	require.NotNil(t, got)
	require.Equal(t, "doc-1", got.DocID)

	// unknown type and malformed payload are dropped, never panic
	raw, err = Encode("unknown.event", struct{}{})
	require.NoError(t, err)
	consumer.dispatch(context.Background(), raw)
	consumer.dispatch(context.Background(), []byte("not json"))
}

func TestConsumerDispatch_HandlerErrorIsSwallowed(t *testing.T) {
	consumer := &Consumer{handlers: make(map[string]HandlerFunc)}
	consumer.Handle(EventFileEmbedFailed, func(ctx context.Context, env *Envelope) error {
		return fmt.Errorf("handler failed")
	})
	raw, err := Encode(EventFileEmbedFailed, FileEmbedFailed{ContextID: "ctx-1", FileID: "file-1"})
	require.NoError(t, err)
	consumer.dispatch(context.Background(), raw)
}
