package copilot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/google/uuid"

	"copilotd/auth"
	"copilotd/metrics"
	"copilotd/types"
	"copilotd/utils"
)

// CompletionRequest is the JSON body of a streaming completion request
type CompletionRequest struct {
	Prompt            string   `json:"prompt"`
	Suffix            string   `json:"suffix"`
	MaxTokens         int      `json:"max_tokens"`
	Temperature       float64  `json:"temperature"`
	TopP              float64  `json:"top_p"`
	N                 int      `json:"n"`
	Stop              []string `json:"stop"`
	Stream            bool     `json:"stream"`
	NWO               string   `json:"nwo"`
	Language          string   `json:"language"`
	NextIndent        int      `json:"next_indent"`
	TrimByIndentation bool     `json:"trim_by_indentation"`
	PromptTokens      int      `json:"prompt_tokens"`
	SuffixTokens      int      `json:"suffix_tokens"`
}

// BuilderConfig holds the static parts of every request
type BuilderConfig struct {
	URL                 string
	Organization        string
	EditorVersion       string
	EditorPluginVersion string
	Intent              string

	MaxTokens   int
	Temperature float64
	TopP        float64
	N           int
	Stop        []string
	NWO         string

	PathPrefix      bool // prepend "// Path: <uri>" to the prompt
	Compress        bool // brotli-compress the body
	MaxPromptTokens int
	MaxSuffixTokens int
}

// Builder turns a prompt context into a ready-to-send HTTP request
type Builder struct {
	cfg         BuilderConfig
	creds       auth.Provider
	sessionID   string
	instruments *metrics.Instruments
}

// NewBuilder creates a builder with a fresh session id. instruments may be nil.
func NewBuilder(cfg BuilderConfig, creds auth.Provider, instruments *metrics.Instruments) *Builder {
	return &Builder{
		cfg:         cfg,
		creds:       creds,
		sessionID:   uuid.NewString() + strconv.FormatInt(time.Now().Unix(), 10),
		instruments: instruments,
	}
}

// SessionID identifies this daemon run upstream
func (b *Builder) SessionID() string { return b.sessionID }

// Body builds the request body for pc
func (b *Builder) Body(pc types.PromptContext) CompletionRequest {
	window := utils.TrimPromptWindow(pc.Prefix, pc.Suffix, b.cfg.MaxPromptTokens, b.cfg.MaxSuffixTokens)

	prompt := window.Prefix
	if b.cfg.PathPrefix {
		prompt = fmt.Sprintf("// Path: %s\n%s", pc.DocumentID, prompt)
	}

	stop := b.cfg.Stop
	if stop == nil {
		stop = []string{}
	}

	return CompletionRequest{
		Prompt:            prompt,
		Suffix:            window.Suffix,
		MaxTokens:         b.cfg.MaxTokens,
		Temperature:       b.cfg.Temperature,
		TopP:              b.cfg.TopP,
		N:                 b.cfg.N,
		Stop:              stop,
		Stream:            true,
		NWO:               b.cfg.NWO,
		Language:          pc.Language,
		TrimByIndentation: true,
		PromptTokens:      utils.EstimateTokens(prompt),
		SuffixTokens:      utils.EstimateTokens(window.Suffix),
	}
}

// Build creates the POST request for pc, bound to ctx
func (b *Builder) Build(ctx context.Context, pc types.PromptContext) (*http.Request, error) {
	token, err := b.creds.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrUpstream, err)
	}

	// Marshal the request without HTML escaping
	var body bytes.Buffer
	encoder := json.NewEncoder(&body)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(b.Body(pc)); err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	payload := &body
	if b.cfg.Compress {
		// Quality 1 favours latency over ratio
		var compressed bytes.Buffer
		w := brotli.NewWriterLevel(&compressed, 1)
		if _, err := w.Write(body.Bytes()); err != nil {
			return nil, fmt.Errorf("failed to compress request: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("failed to close brotli writer: %w", err)
		}
		payload = &compressed
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.URL, payload)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Openai-Organization", b.cfg.Organization)
	req.Header.Set("VScode-MachineId", b.creds.MachineID())
	req.Header.Set("Editor-Version", b.cfg.EditorVersion)
	req.Header.Set("Editor-Plugin-Version", b.cfg.EditorPluginVersion)
	req.Header.Set("Openai-Intent", b.cfg.Intent)
	req.Header.Set("X-Request-Id", uuid.NewString())
	req.Header.Set("VScode-SessionId", b.sessionID)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if b.cfg.Compress {
		req.Header.Set("Content-Encoding", "br")
	}
	b.instruments.InjectHTTP(ctx, req.Header)

	return req, nil
}
