package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigma-snaken/sigma-patrol/internal/logging"
)

func newTestTelegram(t *testing.T, handler http.HandlerFunc) *Telegram {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	tg := NewTelegram("bot-token", "chat-42", logging.Nop())
	tg.baseURL = srv.URL
	return tg
}

func TestSendSummary(t *testing.T) {
	var gotPath string
	var gotBody map[string]string
	tg := newTestTelegram(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Write([]byte(`{"ok":true}`))
	})

	require.NoError(t, tg.SendSummary(context.Background(), "patrol finished"))
	assert.Equal(t, "/botbot-token/sendMessage", gotPath)
	assert.Equal(t, "chat-42", gotBody["chat_id"])
	assert.Equal(t, "patrol finished", gotBody["text"])
}

func TestSendPhotoMultipart(t *testing.T) {
	tg := newTestTelegram(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "chat-42", r.FormValue("chat_id"))
		assert.Equal(t, "person detected", r.FormValue("caption"))
		_, header, err := r.FormFile("photo")
		require.NoError(t, err)
		assert.Equal(t, "alert.jpg", header.Filename)
		w.Write([]byte(`{"ok":true}`))
	})

	require.NoError(t, tg.SendPhoto(context.Background(), []byte{0xff, 0xd8}, "person detected"))
}

func TestSendSummaryErrorStatus(t *testing.T) {
	tg := newTestTelegram(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"ok":false}`, http.StatusForbidden)
	})

	err := tg.SendSummary(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}
