package notify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPostmark(t *testing.T, handler http.HandlerFunc) *PostmarkNotifier {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	n := NewPostmarkNotifier("test-token", "noreply@lodestone.dev", "support@lodestone.dev")
	n.endpoint = srv.URL
	n.httpClient = srv.Client()
	return n
}

func TestPostmarkNotify_SendsExpectedRequest(t *testing.T) {
	var got postmarkRequest
	var gotToken, gotContentType string

	n := newTestPostmark(t, func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get("X-Postmark-Server-Token")
		gotContentType = r.Header.Get("Content-Type")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(postmarkResponse{ErrorCode: 0, Message: "OK"})
	})

	err := n.Notify(context.Background(), Message{
		To:       "a@example.com",
		Subject:  "Link saved",
		TextBody: "Your link was saved.",
		HTMLBody: "<p>Your link was saved.</p>",
	})
	require.NoError(t, err)

	assert.Equal(t, "test-token", gotToken)
	assert.Equal(t, "application/json", gotContentType)
	assert.Equal(t, "noreply@lodestone.dev", got.From)
	assert.Equal(t, "support@lodestone.dev", got.ReplyTo)
	assert.Equal(t, "a@example.com", got.To)
	assert.Equal(t, "Link saved", got.Subject)
	assert.Equal(t, "Your link was saved.", got.TextBody)
	assert.Equal(t, "<p>Your link was saved.</p>", got.HTMLBody)
	assert.Equal(t, "outbound", got.MessageStream)
}

func TestPostmarkNotify_NonOKStatus(t *testing.T) {
	n := newTestPostmark(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(postmarkResponse{ErrorCode: 10, Message: "bad token"})
	})

	err := n.Notify(context.Background(), Message{To: "a@example.com", Subject: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad token")
}

func TestPostmarkNotify_APIErrorCodeWithOKStatus(t *testing.T) {
	n := newTestPostmark(t, func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(postmarkResponse{ErrorCode: 300, Message: "invalid recipient"})
	})

	err := n.Notify(context.Background(), Message{To: "not-an-address", Subject: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid recipient")
}

func TestLogNotifier_NeverFails(t *testing.T) {
	n := NewLogNotifier(testLogger())
	err := n.Notify(context.Background(), Message{To: "a@example.com", Subject: "Link saved"})
	require.NoError(t, err)
}
