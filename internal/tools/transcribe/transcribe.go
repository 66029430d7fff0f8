// Package transcribe provides the transcribe tool: speech-to-text via
// an OpenAI-compatible Whisper endpoint. Pointing BaseURL at a local
// server works because the wire shape matches /v1/audio/transcriptions.
package transcribe

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/kestrel-ai/kestrel/internal/tools"
)

// maxAudioBytes bounds the audio file size accepted for upload.
const maxAudioBytes = 25 << 20

var supportedExtensions = map[string]bool{
	".flac": true, ".m4a": true, ".mp3": true, ".mp4": true,
	".mpeg": true, ".mpga": true, ".oga": true, ".ogg": true,
	".wav": true, ".webm": true,
}

// Config holds transcription endpoint settings.
type Config struct {
	APIKey string `json:"api_key,omitempty" yaml:"api_key"`
	// BaseURL overrides the OpenAI default, e.g. a local Whisper server.
	BaseURL string `json:"base_url,omitempty" yaml:"base_url"`
	// Model defaults to whisper-1.
	Model string `json:"model,omitempty" yaml:"model"`
}

// transcriptionClient is the slice of the OpenAI client the tool uses.
type transcriptionClient interface {
	CreateTranscription(ctx context.Context, request openai.AudioRequest) (openai.AudioResponse, error)
}

// Tool implements the transcribe tool.
type Tool struct {
	client transcriptionClient
	model  string
}

// New creates the transcribe tool. An empty API key is allowed when
// BaseURL points at a local server that does not authenticate.
func New(config Config) *Tool {
	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = strings.TrimRight(config.BaseURL, "/")
	}
	model := config.Model
	if model == "" {
		model = openai.Whisper1
	}
	return &Tool{
		client: openai.NewClientWithConfig(clientConfig),
		model:  model,
	}
}

func (t *Tool) Name() string { return "transcribe" }

func (t *Tool) Description() string {
	return "Transcribe an audio file to text using a Whisper speech-to-text model."
}

func (t *Tool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"file_path": {"type": "string", "description": "Path to the audio file (flac, m4a, mp3, mp4, ogg, wav, webm)"},
			"language": {"type": "string", "description": "ISO-639-1 language hint, e.g. \"en\""},
			"prompt": {"type": "string", "description": "Optional context to guide the transcription"}
		},
		"required": ["file_path"]
	}`)
}

func (t *Tool) Execute(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
	var params struct {
		FilePath string `json:"file_path"`
		Language string `json:"language"`
		Prompt   string `json:"prompt"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return tools.Errorf("invalid parameters: %v", err), nil
	}
	if params.FilePath == "" {
		return tools.Errorf("missing required parameter: file_path"), nil
	}

	ext := strings.ToLower(filepath.Ext(params.FilePath))
	if !supportedExtensions[ext] {
		return tools.Errorf("unsupported audio format %q", ext), nil
	}

	info, err := os.Stat(params.FilePath)
	if err != nil {
		return tools.Errorf("audio file not found: %s", params.FilePath), nil
	}
	if info.Size() > maxAudioBytes {
		return tools.Errorf("audio file exceeds maximum size of %d bytes", maxAudioBytes), nil
	}

	response, err := t.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    t.model,
		FilePath: params.FilePath,
		Language: params.Language,
		Prompt:   params.Prompt,
	})
	if err != nil {
		return tools.Errorf("transcription failed: %v", err), nil
	}

	out := map[string]any{
		"text": response.Text,
	}
	if response.Language != "" {
		out["language"] = response.Language
	}
	if response.Duration > 0 {
		out["duration_seconds"] = response.Duration
	}

	payload, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return tools.Errorf("failed to format response: %v", err), nil
	}
	return &tools.Result{Content: string(payload)}, nil
}

var _ transcriptionClient = (*openai.Client)(nil)
