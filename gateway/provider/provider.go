// Package provider defines the adapter contract for upstream AI media
// providers. Wire encodings live outside the gateway; this package carries
// only the capability interface, the registry and a mock for tests.
package provider

import (
	"context"

	"github.com/conduit-ai/conduit/gateway/resilience"
)

// MediaPayload is a provider result artifact: either an inline base64 body
// or an external URL the gateway must fetch.
type MediaPayload struct {
	URL         string `json:"url,omitempty"`
	Base64      string `json:"b64,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

// TranscriptionRequest asks for speech-to-text over a stored audio object.
type TranscriptionRequest struct {
	AudioURL string `json:"audio_url"`
	Model    string `json:"model"`
	Language string `json:"language,omitempty"`
	Prompt   string `json:"prompt,omitempty"`
}

// TranscriptionResult is the structured transcription outcome.
type TranscriptionResult struct {
	Text            string  `json:"text"`
	Language        string  `json:"language,omitempty"`
	DurationSeconds float64 `json:"duration_seconds"`
	Confidence      float64 `json:"confidence,omitempty"`
	WordErrorRate   float64 `json:"word_error_rate,omitempty"`
}

// SpeechRequest asks for text-to-speech synthesis.
type SpeechRequest struct {
	Text   string `json:"text"`
	Model  string `json:"model"`
	Voice  string `json:"voice,omitempty"`
	Format string `json:"format,omitempty"`
}

// SpeechResult carries the synthesized audio.
type SpeechResult struct {
	Audio          MediaPayload `json:"audio"`
	CharacterCount int          `json:"character_count"`
}

// ImageRequest asks for image generation.
type ImageRequest struct {
	Prompt string `json:"prompt"`
	Model  string `json:"model"`
	Size   string `json:"size,omitempty"`
	Count  int    `json:"count,omitempty"`
}

// ImageResult carries the generated images.
type ImageResult struct {
	Images []MediaPayload `json:"images"`
}

// VideoRequest asks for video generation.
type VideoRequest struct {
	Prompt          string `json:"prompt"`
	Model           string `json:"model"`
	DurationSeconds int    `json:"duration_seconds,omitempty"`
}

// VideoResult carries the generated video.
type VideoResult struct {
	Video MediaPayload `json:"video"`
}

// RealtimeRequest opens a bidirectional realtime session.
type RealtimeRequest struct {
	Model string `json:"model"`
	Voice string `json:"voice,omitempty"`
}

// RealtimeUsage is the metered consumption of a realtime session, reported
// on close for cost calculation.
type RealtimeUsage struct {
	InputSeconds  float64 `json:"input_seconds"`
	OutputSeconds float64 `json:"output_seconds"`
	InputTokens   int64   `json:"input_tokens"`
	OutputTokens  int64   `json:"output_tokens"`
}

// RealtimeSession is a live provider session. The gateway proxies frames
// elsewhere; orchestration only needs lifecycle and usage.
type RealtimeSession interface {
	SessionID() string
	Usage() RealtimeUsage
	Close() error
}

// Adapter is the capability interface one upstream provider implements.
// An adapter returns errs-classified errors so the retry policy can act
// without string matching.
type Adapter interface {
	ID() string
	Transcribe(ctx context.Context, req TranscriptionRequest) (*TranscriptionResult, error)
	Synthesize(ctx context.Context, req SpeechRequest) (*SpeechResult, error)
	GenerateImage(ctx context.Context, req ImageRequest) (*ImageResult, error)
	GenerateVideo(ctx context.Context, req VideoRequest) (*VideoResult, error)
	OpenRealtime(ctx context.Context, req RealtimeRequest) (RealtimeSession, error)
	Ping(ctx context.Context) error
}

// Registration pairs an adapter with its routing metadata.
type Registration struct {
	Adapter Adapter
	Info    resilience.ProviderInfo
}

// Registry is an explicit id -> adapter map. Variant selection is a lookup,
// never type dispatch.
type Registry struct {
	entries map[string]Registration
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Registration)}
}

// Register adds an adapter. Later registrations with the same id replace
// earlier ones.
func (r *Registry) Register(adapter Adapter, info resilience.ProviderInfo) {
	info.ID = adapter.ID()
	r.entries[adapter.ID()] = Registration{Adapter: adapter, Info: info}
}

// Get returns the adapter for a provider id.
func (r *Registry) Get(id string) (Adapter, bool) {
	reg, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return reg.Adapter, true
}

// Infos returns the routing metadata for every registered provider.
func (r *Registry) Infos() []resilience.ProviderInfo {
	out := make([]resilience.ProviderInfo, 0, len(r.entries))
	for _, reg := range r.entries {
		out = append(out, reg.Info)
	}
	return out
}

// Prober adapts the registry to the resilience health-probe contract.
func (r *Registry) Prober() resilience.Prober {
	return resilience.ProberFunc(func(ctx context.Context, id string) error {
		adapter, ok := r.Get(id)
		if !ok {
			return errUnknownProvider(id)
		}
		return adapter.Ping(ctx)
	})
}
