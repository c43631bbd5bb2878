package telreq

import (
	"fmt"
	"strings"

	"github.com/NikoToRA/telreq-sub001/pkg/call"
	"github.com/NikoToRA/telreq-sub001/pkg/configutil"
	"github.com/NikoToRA/telreq-sub001/pkg/errorsx"
	"github.com/NikoToRA/telreq-sub001/pkg/providers/deepgram"
	"github.com/NikoToRA/telreq-sub001/pkg/providers/mock"
	"github.com/NikoToRA/telreq-sub001/pkg/providers/openai"
	"github.com/NikoToRA/telreq-sub001/pkg/recognition"
	"github.com/NikoToRA/telreq-sub001/pkg/store"
	"github.com/NikoToRA/telreq-sub001/pkg/summarize"
)

type RecognizerBuilder func(cfg Config) (recognition.Factory, error)
type SummarizerBuilder func(cfg Config) (summarize.AIBackend, error)
type BlobStoreBuilder func(cfg Config) (store.BlobStore, error)

// ProviderRegistry maps vendor names from configuration to constructors.
type ProviderRegistry struct {
	recognizers map[string]RecognizerBuilder
	summarizers map[string]SummarizerBuilder
	blobs       map[string]BlobStoreBuilder
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		recognizers: make(map[string]RecognizerBuilder),
		summarizers: make(map[string]SummarizerBuilder),
		blobs:       make(map[string]BlobStoreBuilder),
	}
}

// DefaultProviderRegistry returns a registry with every built-in vendor.
func DefaultProviderRegistry() *ProviderRegistry {
	r := NewProviderRegistry()
	r.RegisterRecognizer("deepgram", buildDeepgramFactory)
	r.RegisterRecognizer("mock", buildMockRecognizerFactory)
	r.RegisterSummarizer("openai", buildOpenAISummarizer)
	r.RegisterSummarizer("mock", buildMockSummarizer)
	r.RegisterBlobStore("mock", func(Config) (store.BlobStore, error) {
		return mock.NewBlobStore(), nil
	})
	return r
}

func (r *ProviderRegistry) RegisterRecognizer(name string, builder RecognizerBuilder) {
	r.recognizers[normalizeName(name)] = builder
}

func (r *ProviderRegistry) RegisterSummarizer(name string, builder SummarizerBuilder) {
	r.summarizers[normalizeName(name)] = builder
}

func (r *ProviderRegistry) RegisterBlobStore(name string, builder BlobStoreBuilder) {
	r.blobs[normalizeName(name)] = builder
}

func (r *ProviderRegistry) BuildRecognizerFactory(provider string, cfg Config) (recognition.Factory, error) {
	fn := r.recognizers[normalizeName(provider)]
	if fn == nil {
		return nil, fmt.Errorf("recognition provider not registered: %s", provider)
	}
	return fn(cfg)
}

func (r *ProviderRegistry) BuildSummarizer(provider string, cfg Config) (summarize.AIBackend, error) {
	fn := r.summarizers[normalizeName(provider)]
	if fn == nil {
		return nil, fmt.Errorf("summarization provider not registered: %s", provider)
	}
	return fn(cfg)
}

func (r *ProviderRegistry) BuildBlobStore(provider string, cfg Config) (store.BlobStore, error) {
	fn := r.blobs[normalizeName(provider)]
	if fn == nil {
		return nil, fmt.Errorf("sync provider not registered: %s", provider)
	}
	return fn(cfg)
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

type deepgramSettings struct {
	APIKey string `mapstructure:"api_key"`
	Model  string `mapstructure:"model"`
}

func buildDeepgramFactory(cfg Config) (recognition.Factory, error) {
	settings := cfg.Vendors.Recognition.Settings
	if err := configutil.ValidateSettings(settings, configutil.Schema{
		Required: []string{"api_key"},
		Optional: []string{"model"},
	}); err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("deepgram settings: %w", err), errorsx.ReasonInvalidConfiguration)
	}
	var s deepgramSettings
	if err := configutil.DecodeSettings(settings, &s); err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonInvalidConfiguration)
	}
	if err := configutil.RequireString(s.APIKey, "vendors.recognition.settings.api_key"); err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonInvalidConfiguration)
	}
	return func(sessionID string) (recognition.Recognizer, error) {
		return deepgram.New(deepgram.Config{
			APIKey:     s.APIKey,
			Model:      s.Model,
			Language:   cfg.Recognition.Language,
			SampleRate: cfg.Recognition.SampleRate,
			Interim:    true,
			SessionID:  sessionID,
		}), nil
	}, nil
}

type mockRecognizerSettings struct {
	Transcript string  `mapstructure:"transcript"`
	Confidence float64 `mapstructure:"confidence"`
}

func buildMockRecognizerFactory(cfg Config) (recognition.Factory, error) {
	var s mockRecognizerSettings
	if err := configutil.DecodeSettings(cfg.Vendors.Recognition.Settings, &s); err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonInvalidConfiguration)
	}
	return func(sessionID string) (recognition.Recognizer, error) {
		return mock.NewRecognizer(mock.RecognizerConfig{
			SessionID:  sessionID,
			Method:     call.MethodCloud,
			Transcript: s.Transcript,
			Confidence: s.Confidence,
		}), nil
	}, nil
}

type openAISettings struct {
	APIKey string `mapstructure:"api_key"`
	Model  string `mapstructure:"model"`
}

func buildOpenAISummarizer(cfg Config) (summarize.AIBackend, error) {
	settings := cfg.Vendors.Summarization.Settings
	if err := configutil.ValidateSettings(settings, configutil.Schema{
		Required: []string{"api_key"},
		Optional: []string{"model"},
	}); err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("openai settings: %w", err), errorsx.ReasonInvalidConfiguration)
	}
	var s openAISettings
	if err := configutil.DecodeSettings(settings, &s); err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonInvalidConfiguration)
	}
	if err := configutil.RequireString(s.APIKey, "vendors.summarization.settings.api_key"); err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonInvalidConfiguration)
	}
	return openai.NewSummarizer(s.APIKey, s.Model), nil
}

func buildMockSummarizer(cfg Config) (summarize.AIBackend, error) {
	return mock.NewSummarizer(summarize.AIResult{
		Summary:    "mock summary",
		Confidence: 0.9,
	}), nil
}
