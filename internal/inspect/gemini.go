package inspect

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sigma-snaken/sigma-patrol/internal/logging"
	"github.com/sigma-snaken/sigma-patrol/internal/model"
)

const defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// GeminiInspector implements Inspector against the Gemini REST API.
type GeminiInspector struct {
	baseURL    string
	httpClient *http.Client
	logger     logging.Logger

	mu      sync.RWMutex
	apiKey  string
	modelID string
}

// NewGeminiInspector builds an inspector. apiKey may be empty; Configured
// reports false until Reconfigure provides one.
func NewGeminiInspector(apiKey, modelID string, logger logging.Logger) *GeminiInspector {
	if modelID == "" {
		modelID = "gemini-2.5-flash"
	}
	return &GeminiInspector{
		baseURL:    defaultGeminiBaseURL,
		httpClient: &http.Client{Timeout: 120 * time.Second},
		logger:     logging.OrNop(logger),
		apiKey:     apiKey,
		modelID:    modelID,
	}
}

// Reconfigure swaps credentials and model at runtime (settings changes take
// effect on the next run).
func (g *GeminiInspector) Reconfigure(apiKey, modelID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if apiKey != "" {
		g.apiKey = apiKey
	}
	if modelID != "" {
		g.modelID = modelID
	}
}

// Configured reports whether credentials are present.
func (g *GeminiInspector) Configured() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.apiKey != ""
}

// ModelID returns the active model identifier.
func (g *GeminiInspector) ModelID() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.modelID
}

// --- wire types ---

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inline_data,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents          []geminiContent `json:"contents"`
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenCfg   `json:"generationConfig,omitempty"`
}

type geminiGenCfg struct {
	ResponseMimeType string          `json:"responseMimeType,omitempty"`
	ResponseSchema   json.RawMessage `json:"responseSchema,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

// verdictSchema forces structured is_NG/Description output for inspections.
var verdictSchema = json.RawMessage(`{
	"type": "OBJECT",
	"properties": {
		"is_NG": {"type": "BOOLEAN"},
		"Description": {"type": "STRING"}
	},
	"required": ["is_NG", "Description"]
}`)

func (g *GeminiInspector) generate(ctx context.Context, req geminiRequest) (string, model.Usage, error) {
	g.mu.RLock()
	apiKey, modelID := g.apiKey, g.modelID
	g.mu.RUnlock()
	if apiKey == "" {
		return "", model.Usage{}, fmt.Errorf("inspector not configured")
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", model.Usage{}, fmt.Errorf("encode request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", g.baseURL, modelID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", model.Usage{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", apiKey)

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return "", model.Usage{}, fmt.Errorf("call gemini: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", model.Usage{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", model.Usage{}, fmt.Errorf("gemini status %d: %s", resp.StatusCode, truncate(string(data), 200))
	}

	var parsed geminiResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", model.Usage{}, fmt.Errorf("decode response: %w", err)
	}
	usage := model.Usage{
		InputTokens:  parsed.UsageMetadata.PromptTokenCount,
		OutputTokens: parsed.UsageMetadata.CandidatesTokenCount,
		TotalTokens:  parsed.UsageMetadata.TotalTokenCount,
	}
	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return "", usage, fmt.Errorf("gemini returned no candidates")
	}
	var text strings.Builder
	for _, part := range parsed.Candidates[0].Content.Parts {
		text.WriteString(part.Text)
	}
	return text.String(), usage, nil
}

// Inspect runs one image inspection and normalizes the verdict.
func (g *GeminiInspector) Inspect(ctx context.Context, image []byte, prompt, systemPrompt string) (Verdict, error) {
	if prompt == "" {
		prompt = "Is everything normal?"
	}
	req := geminiRequest{
		Contents: []geminiContent{{
			Role: "user",
			Parts: []geminiPart{
				{InlineData: &geminiInlineData{MimeType: "image/jpeg", Data: base64.StdEncoding.EncodeToString(image)}},
				{Text: prompt},
			},
		}},
		GenerationConfig: &geminiGenCfg{ResponseMimeType: "application/json", ResponseSchema: verdictSchema},
	}
	if systemPrompt != "" {
		req.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: systemPrompt}}}
	}

	text, usage, err := g.generate(ctx, req)
	if err != nil {
		return Verdict{Usage: usage}, err
	}
	v := ParseVerdict(text)
	v.Usage = usage
	return v, nil
}

// ComposeSummary builds the report prompt from all results and alerts and
// asks the model for a summary.
func (g *GeminiInspector) ComposeSummary(ctx context.Context, in SummaryInput) (Summary, error) {
	var b strings.Builder
	if custom := strings.TrimSpace(in.Prompt); custom != "" {
		b.WriteString(custom)
		b.WriteString("\n\n")
	} else {
		b.WriteString("Generate a summary report for this patrol:\n\n")
	}
	for _, r := range in.Results {
		fmt.Fprintf(&b, "- Point: %s\n  Result: %s\n\n", r.WaypointName, r.Verdict)
	}
	if in.VideoAnalysis != "" {
		fmt.Fprintf(&b, "\nVideo Analysis Summary:\n%s\n\n", in.VideoAnalysis)
	}
	if len(in.Alerts) > 0 {
		fmt.Fprintf(&b, "\nLive Monitor Alerts (%d triggered):\n", len(in.Alerts))
		for _, a := range in.Alerts {
			fmt.Fprintf(&b, "- [%s] Rule: %s\n", a.Timestamp.Format(time.RFC3339), a.Rule)
		}
		b.WriteString("\n")
	}
	if strings.TrimSpace(in.Prompt) == "" {
		b.WriteString("Provide a concise overview of status and anomalies.")
	}

	text, usage, err := g.generate(ctx, geminiRequest{
		Contents: []geminiContent{{Role: "user", Parts: []geminiPart{{Text: b.String()}}}},
	})
	if err != nil {
		return Summary{Usage: usage}, err
	}
	return Summary{Text: text, Usage: usage}, nil
}

// AnalyzeVideo uploads a recorded patrol video inline and asks for an
// analysis. Videos beyond the inline limit are rejected.
func (g *GeminiInspector) AnalyzeVideo(ctx context.Context, path, prompt string) (Summary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Summary{}, fmt.Errorf("read video: %w", err)
	}
	const inlineLimit = 19 << 20
	if len(data) > inlineLimit {
		return Summary{}, fmt.Errorf("video %s too large for inline analysis (%d bytes)", path, len(data))
	}
	if prompt == "" {
		prompt = "Analyze this patrol video."
	}
	text, usage, err := g.generate(ctx, geminiRequest{
		Contents: []geminiContent{{
			Role: "user",
			Parts: []geminiPart{
				{InlineData: &geminiInlineData{MimeType: "video/mp4", Data: base64.StdEncoding.EncodeToString(data)}},
				{Text: prompt},
			},
		}},
	})
	if err != nil {
		return Summary{Usage: usage}, err
	}
	return Summary{Text: text, Usage: usage}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
