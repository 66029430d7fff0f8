package provider

import (
	"context"
	"fmt"
	"sync"
)

// Factory builds and caches adapters per credential. Adapters are safe
// for concurrent use, so one instance serves every call made through a
// credential.
type Factory struct {
	mu    sync.Mutex
	chat  map[string]ChatProvider
	image map[string]ImageProvider
}

// NewFactory creates an empty factory.
func NewFactory() *Factory {
	return &Factory{
		chat:  make(map[string]ChatProvider),
		image: make(map[string]ImageProvider),
	}
}

// Chat returns the chat adapter for a credential, constructing it on
// first use.
func (f *Factory) Chat(ctx context.Context, cred Credential) (ChatProvider, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if p, ok := f.chat[cred.ID]; ok {
		return p, nil
	}

	var (
		p   ChatProvider
		err error
	)
	switch cred.Type {
	case TypeOpenAI, TypeOpenAICompatible, TypeGroq, TypeTogether:
		p = NewOpenAIProvider(cred.Type, cred.APIKey, cred.BaseURL)
	case TypeAnthropic:
		p, err = NewAnthropicProvider(cred.APIKey)
	case TypeGemini:
		p, err = NewGeminiProvider(ctx, cred.APIKey)
	default:
		err = fmt.Errorf("provider type %q does not support chat", cred.Type)
	}
	if err != nil {
		return nil, err
	}

	f.chat[cred.ID] = p
	return p, nil
}

// Image returns the image adapter for a credential, constructing it on
// first use.
func (f *Factory) Image(cred Credential) (ImageProvider, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if p, ok := f.image[cred.ID]; ok {
		return p, nil
	}

	switch cred.Type {
	case TypeReplicate:
		p, err := NewReplicateProvider(cred.APIKey, cred.BaseURL)
		if err != nil {
			return nil, err
		}
		f.image[cred.ID] = p
		return p, nil
	default:
		return nil, fmt.Errorf("provider type %q does not support image generation", cred.Type)
	}
}
