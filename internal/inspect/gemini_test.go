package inspect

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigma-snaken/sigma-patrol/internal/logging"
	"github.com/sigma-snaken/sigma-patrol/internal/model"
)

func newTestInspector(t *testing.T, handler http.HandlerFunc) *GeminiInspector {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	g := NewGeminiInspector("test-key", "gemini-2.5-flash", logging.Nop())
	g.baseURL = srv.URL
	return g
}

func geminiReply(text string, in, out int) string {
	reply := map[string]any{
		"candidates": []any{
			map[string]any{"content": map[string]any{"parts": []any{map[string]any{"text": text}}}},
		},
		"usageMetadata": map[string]any{
			"promptTokenCount":     in,
			"candidatesTokenCount": out,
			"totalTokenCount":      in + out,
		},
	}
	data, _ := json.Marshal(reply)
	return string(data)
}

func TestGeminiInspect(t *testing.T) {
	g := newTestInspector(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("x-goog-api-key"))
		assert.Contains(t, r.URL.Path, "gemini-2.5-flash:generateContent")

		var req geminiRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Contents, 1)
		assert.NotNil(t, req.Contents[0].Parts[0].InlineData)
		assert.NotNil(t, req.SystemInstruction)

		w.Write([]byte(geminiReply(`{"is_NG": true, "Description": "open window"}`, 100, 20)))
	})

	v, err := g.Inspect(context.Background(), []byte{0xff, 0xd8}, "Anything wrong?", "You are a guard.")
	require.NoError(t, err)
	assert.True(t, v.Anomaly)
	assert.Equal(t, "open window", v.Description)
	assert.Equal(t, 120, v.Usage.TotalTokens)
}

func TestGeminiInspectServerError(t *testing.T) {
	g := newTestInspector(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	})

	_, err := g.Inspect(context.Background(), []byte{0xff}, "", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestGeminiNotConfigured(t *testing.T) {
	g := NewGeminiInspector("", "", logging.Nop())
	assert.False(t, g.Configured())

	_, err := g.Inspect(context.Background(), nil, "", "")
	require.Error(t, err)

	g.Reconfigure("key", "gemini-2.5-pro")
	assert.True(t, g.Configured())
	assert.Equal(t, "gemini-2.5-pro", g.ModelID())
}

func TestGeminiComposeSummaryPrompt(t *testing.T) {
	var prompt string
	g := newTestInspector(t, func(w http.ResponseWriter, r *http.Request) {
		var req geminiRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		prompt = req.Contents[0].Parts[0].Text
		w.Write([]byte(geminiReply("Quiet night, no anomalies.", 50, 10)))
	})

	sum, err := g.ComposeSummary(context.Background(), SummaryInput{
		Results: []model.InspectionResult{
			{WaypointName: "Entrance", Verdict: `{"is_NG": false, "Description": ""}`},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "Quiet night, no anomalies.", sum.Text)
	assert.Contains(t, prompt, "Point: Entrance")
	assert.Contains(t, prompt, "concise overview")
}
