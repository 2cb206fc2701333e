// Package config holds the process-wide configuration snapshot described in
// spec.md §9 ("Design Notes"/describe_endpoint redaction): model endpoint
// configuration for chat and for each media service, readable and
// replaceable under a RWMutex with deep-copy reads. Grounded on config.py's
// Config/MediaConfig/ModelEndpointConfig and its env-var loading convention.
package config

import (
	"os"
	"sync"
)

// EndpointConfig configures a single model endpoint: the inference URL,
// model identifier, optional credential, an optional pointer to the
// environment variable that credential was sourced from (spec.md §6,
// "api_key_env"), and whether the endpoint advertises streaming responses
// (spec.md §6, "supports_streaming"; consulted by httpapi's chat endpoint
// when negotiating SSE vs. JSON per spec.md §4.10).
type EndpointConfig struct {
	Model             string
	BaseURL           string
	APIKey            string
	APIKeyEnv         string
	SupportsStreaming bool
	// Provider selects the modelclient backend ("anthropic", "bedrock",
	// "openai"); empty means "anthropic", the original's only backend.
	Provider string
}

// endpointFromEnv builds an EndpointConfig from "<PREFIX>_MODEL" /
// "<PREFIX>_BASE_URL" / "<PREFIX>_API_KEY" / "<PREFIX>_STREAMING", returning
// false if the required model/base_url pair is absent (config.py's
// ModelEndpointConfig.from_env).
func endpointFromEnv(prefix string) (EndpointConfig, bool) {
	model := os.Getenv(prefix + "_MODEL")
	baseURL := os.Getenv(prefix + "_BASE_URL")
	if model == "" || baseURL == "" {
		return EndpointConfig{}, false
	}
	apiKeyEnv := prefix + "_API_KEY"
	return EndpointConfig{
		Model:             model,
		BaseURL:           baseURL,
		APIKey:            os.Getenv(apiKeyEnv),
		APIKeyEnv:         apiKeyEnv,
		SupportsStreaming: os.Getenv(prefix+"_STREAMING") == "1",
		Provider:          os.Getenv(prefix + "_PROVIDER"),
	}, true
}

// Describe returns a serialisable view that never leaks the API key,
// reporting only its presence (config.py's describe()).
func (e *EndpointConfig) Describe() map[string]any {
	if e == nil {
		return nil
	}
	out := map[string]any{
		"model":              e.Model,
		"base_url":           e.BaseURL,
		"supports_streaming": e.SupportsStreaming,
	}
	if e.Provider != "" {
		out["provider"] = e.Provider
	}
	if e.APIKeyEnv != "" {
		out["api_key_env"] = e.APIKeyEnv
	}
	if e.APIKey != "" {
		out["api_key_present"] = true
	}
	return out
}

// MediaConfig configures the media-generation tools (spec.md §4.3's
// toolkit/media).
type MediaConfig struct {
	Image        *EndpointConfig
	Speech       *EndpointConfig
	SoundEffects *EndpointConfig
	ASR          *EndpointConfig
}

// ForService returns the configured endpoint for service
// ("image"|"speech"|"sound_effects"|"asr"), if any.
func (m MediaConfig) ForService(service string) *EndpointConfig {
	switch service {
	case "image":
		return m.Image
	case "speech":
		return m.Speech
	case "sound_effects":
		return m.SoundEffects
	case "asr":
		return m.ASR
	default:
		return nil
	}
}

// Config is the top-level runtime configuration snapshot.
type Config struct {
	Media MediaConfig
	Chat  *EndpointConfig
}

func loadMediaFromEnv() MediaConfig {
	var media MediaConfig
	if ep, ok := endpointFromEnv("OKCVM_IMAGE"); ok {
		media.Image = &ep
	}
	if ep, ok := endpointFromEnv("OKCVM_SPEECH"); ok {
		media.Speech = &ep
	}
	if ep, ok := endpointFromEnv("OKCVM_SOUND_EFFECTS"); ok {
		media.SoundEffects = &ep
	}
	if ep, ok := endpointFromEnv("OKCVM_ASR"); ok {
		media.ASR = &ep
	}
	return media
}

func loadChatFromEnv() *EndpointConfig {
	if ep, ok := endpointFromEnv("OKCVM_CHAT"); ok {
		return &ep
	}
	return nil
}

var (
	mu      sync.RWMutex
	current = Config{Media: loadMediaFromEnv(), Chat: loadChatFromEnv()}
)

func copyEndpoint(e *EndpointConfig) *EndpointConfig {
	if e == nil {
		return nil
	}
	dup := *e
	return &dup
}

func copyConfig(c Config) Config {
	return Config{
		Media: MediaConfig{
			Image:        copyEndpoint(c.Media.Image),
			Speech:       copyEndpoint(c.Media.Speech),
			SoundEffects: copyEndpoint(c.Media.SoundEffects),
			ASR:          copyEndpoint(c.Media.ASR),
		},
		Chat: copyEndpoint(c.Chat),
	}
}

// Get returns a deep copy of the active configuration, safe to mutate by
// the caller without affecting process state.
func Get() Config {
	mu.RLock()
	defer mu.RUnlock()
	return copyConfig(current)
}

// Update fields to apply via Configure. Each endpoint is optional: a nil
// field leaves the existing value unchanged, so a partial update never
// wipes services it does not name (config.py's configure merge semantics).
// Use ClearChat to explicitly unset Chat.
type Update struct {
	Chat         *EndpointConfig
	Image        *EndpointConfig
	Speech       *EndpointConfig
	SoundEffects *EndpointConfig
	ASR          *EndpointConfig
	ClearChat    bool
}

// mergeEndpoint applies next over prior: nil keeps prior as-is, and a next
// that omits the api key inherits the prior key (and its env pointer, when
// next does not name one) rather than dropping it.
func mergeEndpoint(prior, next *EndpointConfig) *EndpointConfig {
	if next == nil {
		return prior
	}
	merged := *next
	if merged.APIKey == "" && prior != nil {
		merged.APIKey = prior.APIKey
		if merged.APIKeyEnv == "" {
			merged.APIKeyEnv = prior.APIKeyEnv
		}
	}
	return &merged
}

// Configure merges u into the process-wide configuration (config.py's
// configure): endpoints absent from u keep their prior values, and an
// endpoint update that omits the api key inherits the stored one.
func Configure(u Update) {
	mu.Lock()
	defer mu.Unlock()
	if u.ClearChat {
		current.Chat = nil
	} else {
		current.Chat = mergeEndpoint(current.Chat, u.Chat)
	}
	current.Media.Image = mergeEndpoint(current.Media.Image, u.Image)
	current.Media.Speech = mergeEndpoint(current.Media.Speech, u.Speech)
	current.Media.SoundEffects = mergeEndpoint(current.Media.SoundEffects, u.SoundEffects)
	current.Media.ASR = mergeEndpoint(current.Media.ASR, u.ASR)
}

// Reset reloads configuration from the current environment (mainly for
// tests, mirroring config.py's reset_config).
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	current = Config{Media: loadMediaFromEnv(), Chat: loadChatFromEnv()}
}
