// Package imagegen provides the generate_image tool. It rides the same
// credential pool as chat: candidates with the image-generation
// capability are walked in priority order with circuit breaking and
// rate limiting applied per credential.
package imagegen

import (
	"context"
	"encoding/json"

	"github.com/kestrel-ai/kestrel/internal/pool"
	"github.com/kestrel-ai/kestrel/internal/provider"
	"github.com/kestrel-ai/kestrel/internal/tools"
)

// imageTokenEstimate charges the limiter a flat amount per generation;
// image providers do not meter in tokens.
const imageTokenEstimate = 1

// imageProviderFactory resolves a credential to an image adapter.
type imageProviderFactory interface {
	Image(cred provider.Credential) (provider.ImageProvider, error)
}

// Tool implements generate_image over the credential pool.
type Tool struct {
	pool    *pool.CredentialPool
	factory imageProviderFactory
}

// New creates the generate_image tool.
func New(credentialPool *pool.CredentialPool, factory *provider.Factory) *Tool {
	return &Tool{pool: credentialPool, factory: factory}
}

func (t *Tool) Name() string { return "generate_image" }

func (t *Tool) Description() string {
	return "Generate an image from a text prompt using the configured image model."
}

func (t *Tool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"prompt": {"type": "string", "description": "Text description of the image to generate"},
			"width": {"type": "integer", "minimum": 64, "maximum": 2048, "description": "Image width in pixels"},
			"height": {"type": "integer", "minimum": 64, "maximum": 2048, "description": "Image height in pixels"}
		},
		"required": ["prompt"]
	}`)
}

func (t *Tool) Execute(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
	var params struct {
		Prompt string `json:"prompt"`
		Width  int    `json:"width"`
		Height int    `json:"height"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return tools.Errorf("invalid parameters: %v", err), nil
	}
	if params.Prompt == "" {
		return tools.Errorf("missing required parameter: prompt"), nil
	}

	result, err := pool.ExecuteWithFallback(ctx, t.pool, "image", provider.CapabilityImageGeneration, imageTokenEstimate,
		func(ctx context.Context, cred provider.Credential) (*provider.ImageResult, error) {
			adapter, err := t.factory.Image(cred)
			if err != nil {
				return nil, err
			}
			return adapter.GenerateImage(ctx, &provider.ImageRequest{
				Prompt: params.Prompt,
				Model:  cred.Model,
				Width:  params.Width,
				Height: params.Height,
			})
		})
	if err != nil {
		return tools.Errorf("image generation failed: %v", err), nil
	}
	result.Reconcile(imageTokenEstimate)

	out := map[string]any{
		"urls":       result.Value.URLs,
		"credential": result.Credential.ID,
		"model":      result.Credential.Model,
	}
	payload, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return tools.Errorf("failed to format response: %v", err), nil
	}
	return &tools.Result{Content: string(payload)}, nil
}
