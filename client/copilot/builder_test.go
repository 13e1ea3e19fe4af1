package copilot

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/andybalholm/brotli"

	"copilotd/assert"
	"copilotd/types"
)

type fakeCreds struct {
	token string
	err   error
}

func (f fakeCreds) Token(context.Context) (string, error) { return f.token, f.err }
func (f fakeCreds) MachineID() string                     { return "machine-123" }

func testBuilderConfig() BuilderConfig {
	return BuilderConfig{
		URL:                 "http://localhost/v1/engines/copilot-codex/completions",
		Organization:        "github-copilot",
		EditorVersion:       "Neovim/0.10.0",
		EditorPluginVersion: "copilotd/test",
		Intent:              "copilot-ghost",
		MaxTokens:           500,
		Temperature:         1.0,
		TopP:                1.0,
		N:                   3,
		Stop:                []string{"\n\n"},
		NWO:                 "my_org/my_repo",
		PathPrefix:          true,
	}
}

func testPrompt() types.PromptContext {
	return types.PromptContext{
		DocumentID: "file:///src/a.ts",
		Language:   "typescript",
		Position:   types.Position{Line: 1, Character: 2},
		Prefix:     "function f() {\n  ",
		Suffix:     "\n}",
		LinePrefix: "  ",
	}
}

func decodeBody(t *testing.T, r io.Reader) CompletionRequest {
	t.Helper()
	var body CompletionRequest
	assert.NoError(t, json.NewDecoder(r).Decode(&body), "decode body")
	return body
}

func TestBuilder_Headers(t *testing.T) {
	b := NewBuilder(testBuilderConfig(), fakeCreds{token: "tok"}, nil)

	req, err := b.Build(context.Background(), testPrompt())
	assert.NoError(t, err, "Build")

	assert.Equal(t, "POST", req.Method, "method")
	assert.Equal(t, "Bearer tok", req.Header.Get("Authorization"), "authorization")
	assert.Equal(t, "github-copilot", req.Header.Get("Openai-Organization"), "organization")
	assert.Equal(t, "machine-123", req.Header.Get("VScode-MachineId"), "machine id")
	assert.Equal(t, "Neovim/0.10.0", req.Header.Get("Editor-Version"), "editor version")
	assert.Equal(t, "copilotd/test", req.Header.Get("Editor-Plugin-Version"), "plugin version")
	assert.Equal(t, "copilot-ghost", req.Header.Get("Openai-Intent"), "intent")
	assert.Equal(t, "text/event-stream", req.Header.Get("Accept"), "accept")
	assert.Equal(t, "application/json", req.Header.Get("Content-Type"), "content type")
	assert.Equal(t, "", req.Header.Get("Content-Encoding"), "uncompressed")
	assert.Equal(t, b.SessionID(), req.Header.Get("VScode-SessionId"), "session id")
	assert.Len(t, 36, req.Header.Get("X-Request-Id"), "uuid request id")
}

func TestBuilder_RequestIDsAreUnique(t *testing.T) {
	b := NewBuilder(testBuilderConfig(), fakeCreds{token: "tok"}, nil)

	first, err := b.Build(context.Background(), testPrompt())
	assert.NoError(t, err, "Build")
	second, err := b.Build(context.Background(), testPrompt())
	assert.NoError(t, err, "Build")

	assert.NotEqual(t, first.Header.Get("X-Request-Id"), second.Header.Get("X-Request-Id"), "fresh request id")
	assert.Equal(t, first.Header.Get("VScode-SessionId"), second.Header.Get("VScode-SessionId"), "stable session id")
	assert.Greater(t, len(b.SessionID()), 36, "session id carries a timestamp")
}

func TestBuilder_Body(t *testing.T) {
	b := NewBuilder(testBuilderConfig(), fakeCreds{token: "tok"}, nil)

	req, err := b.Build(context.Background(), testPrompt())
	assert.NoError(t, err, "Build")
	body := decodeBody(t, req.Body)

	assert.Equal(t, "// Path: file:///src/a.ts\nfunction f() {\n  ", body.Prompt, "path-prefixed prompt")
	assert.Equal(t, "\n}", body.Suffix, "suffix")
	assert.Equal(t, 500, body.MaxTokens, "max tokens")
	assert.Equal(t, 3, body.N, "n")
	assert.Equal(t, 1.0, body.Temperature, "temperature")
	assert.Equal(t, 1.0, body.TopP, "top_p")
	assert.True(t, body.Stream, "stream")
	assert.Equal(t, []string{"\n\n"}, body.Stop, "stop")
	assert.Equal(t, "my_org/my_repo", body.NWO, "nwo")
	assert.Equal(t, "typescript", body.Language, "language")
	assert.Greater(t, body.PromptTokens, 0, "prompt tokens estimated")
	assert.Equal(t, 1, body.SuffixTokens, "suffix tokens estimated")
}

func TestBuilder_NoPathPrefixAndTrimming(t *testing.T) {
	cfg := testBuilderConfig()
	cfg.PathPrefix = false
	cfg.MaxPromptTokens = 2
	b := NewBuilder(cfg, fakeCreds{token: "tok"}, nil)

	pc := testPrompt()
	pc.Prefix = strings.Repeat("x", 100) + "\nabc"
	body := b.Body(pc)

	assert.Equal(t, "abc", body.Prompt, "prompt trimmed to the last line in budget")
}

func TestBuilder_Compression(t *testing.T) {
	cfg := testBuilderConfig()
	cfg.Compress = true
	b := NewBuilder(cfg, fakeCreds{token: "tok"}, nil)

	req, err := b.Build(context.Background(), testPrompt())
	assert.NoError(t, err, "Build")
	assert.Equal(t, "br", req.Header.Get("Content-Encoding"), "content encoding")

	body := decodeBody(t, brotli.NewReader(req.Body))
	assert.Equal(t, "\n}", body.Suffix, "body survives compression")
}

func TestBuilder_MissingToken(t *testing.T) {
	b := NewBuilder(testBuilderConfig(), fakeCreds{err: errors.New("no token")}, nil)

	_, err := b.Build(context.Background(), testPrompt())
	assert.ErrorIs(t, err, types.ErrUpstream, "credential failures are upstream errors")
	assert.Equal(t, "UpstreamError: no token", types.ReasonFor(err), "reason keeps the cause")
}
