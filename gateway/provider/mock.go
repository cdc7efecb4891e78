package provider

import (
	"context"
	"sync"

	"github.com/conduit-ai/conduit/gateway/errs"
)

func errUnknownProvider(id string) error {
	return errs.Newf(errs.KindNotFound, "unknown provider %q", id)
}

// Mock is a scriptable adapter for tests and local development. Zero-value
// responses succeed with canned payloads; set Err to force failures.
type Mock struct {
	Name string
	Err  error

	TranscriptionOut TranscriptionResult
	SpeechOut        SpeechResult
	ImageOut         ImageResult
	VideoOut         VideoResult
	RealtimeOut      RealtimeUsage

	mu    sync.Mutex
	calls []string
}

func NewMock(name string) *Mock {
	return &Mock{
		Name: name,
		TranscriptionOut: TranscriptionResult{
			Text:            "hello world",
			DurationSeconds: 60,
			Confidence:      0.97,
		},
		SpeechOut: SpeechResult{
			Audio:          MediaPayload{Base64: "AAAA", ContentType: "audio/mpeg"},
			CharacterCount: 11,
		},
		ImageOut: ImageResult{
			Images: []MediaPayload{{URL: "https://cdn.example.com/mock.png", ContentType: "image/png"}},
		},
		VideoOut: VideoResult{
			Video: MediaPayload{URL: "https://cdn.example.com/mock.mp4", ContentType: "video/mp4"},
		},
	}
}

func (m *Mock) record(op string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, op)
}

// Calls returns the operations invoked, in order.
func (m *Mock) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *Mock) ID() string { return m.Name }

func (m *Mock) Transcribe(ctx context.Context, req TranscriptionRequest) (*TranscriptionResult, error) {
	m.record("transcribe")
	if m.Err != nil {
		return nil, m.Err
	}
	out := m.TranscriptionOut
	if out.Language == "" {
		out.Language = req.Language
	}
	return &out, nil
}

func (m *Mock) Synthesize(ctx context.Context, req SpeechRequest) (*SpeechResult, error) {
	m.record("synthesize")
	if m.Err != nil {
		return nil, m.Err
	}
	out := m.SpeechOut
	if req.Text != "" {
		out.CharacterCount = len(req.Text)
	}
	return &out, nil
}

func (m *Mock) GenerateImage(ctx context.Context, req ImageRequest) (*ImageResult, error) {
	m.record("generate_image")
	if m.Err != nil {
		return nil, m.Err
	}
	out := m.ImageOut
	return &out, nil
}

func (m *Mock) GenerateVideo(ctx context.Context, req VideoRequest) (*VideoResult, error) {
	m.record("generate_video")
	if m.Err != nil {
		return nil, m.Err
	}
	out := m.VideoOut
	return &out, nil
}

func (m *Mock) OpenRealtime(ctx context.Context, req RealtimeRequest) (RealtimeSession, error) {
	m.record("open_realtime")
	if m.Err != nil {
		return nil, m.Err
	}
	return &mockSession{id: m.Name + "-session", usage: m.RealtimeOut}, nil
}

func (m *Mock) Ping(ctx context.Context) error {
	m.record("ping")
	return m.Err
}

type mockSession struct {
	id    string
	usage RealtimeUsage
}

func (s *mockSession) SessionID() string    { return s.id }
func (s *mockSession) Usage() RealtimeUsage { return s.usage }
func (s *mockSession) Close() error         { return nil }

var _ Adapter = (*Mock)(nil)
