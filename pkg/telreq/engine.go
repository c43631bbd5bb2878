package telreq

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/NikoToRA/telreq-sub001/pkg/capture"
	"github.com/NikoToRA/telreq-sub001/pkg/configutil"
	"github.com/NikoToRA/telreq-sub001/pkg/errorsx"
	"github.com/NikoToRA/telreq-sub001/pkg/lifecycle"
	"github.com/NikoToRA/telreq-sub001/pkg/logging"
	"github.com/NikoToRA/telreq-sub001/pkg/metrics"
	"github.com/NikoToRA/telreq-sub001/pkg/providers/device"
	"github.com/NikoToRA/telreq-sub001/pkg/recognition"
	"github.com/NikoToRA/telreq-sub001/pkg/store"
	"github.com/NikoToRA/telreq-sub001/pkg/summarize"
	"github.com/NikoToRA/telreq-sub001/pkg/telephony"
)

// EngineOptions collects everything New needs. Only Config is required;
// missing pieces come from the default registry or stay disabled.
type EngineOptions struct {
	Config    Config
	Providers *ProviderRegistry

	// DeviceBackend enables the on-device recognition tier. When nil every
	// session goes straight to the cloud vendor.
	DeviceBackend device.Backend

	// AudioSource overrides where capture audio comes from. Defaults to the
	// telephony gateway's media stream when telephony is configured.
	AudioSource capture.Source

	// ExtraObservers are fanned in alongside the built-in ones.
	ExtraObservers []metrics.Observer
}

// Engine assembles the full pipeline: telephony, capture, recognition,
// summarization, persistence and sync, driven by the lifecycle orchestrator.
type Engine struct {
	cfg       Config
	orch      *lifecycle.Orchestrator
	records   *store.Store
	syncer    *store.Syncer
	gateway   *telephony.Gateway
	asyncObs  *metrics.AsyncObserver
	metricsFD *os.File
	cancel    context.CancelFunc
	logger    *slog.Logger
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	cfg := opts.Config
	logging.SetDefaultLogger(cfg.LogLevel, cfg.LogFormat)
	logger := logging.NewComponentLogger(slog.Default(), "engine")

	slog.Info("telreq_init",
		"environment", cfg.Environment,
		"recognition_provider", cfg.Vendors.Recognition.Provider,
		"summarization_provider", cfg.Vendors.Summarization.Provider,
		"telephony_provider", cfg.Telephony.Provider,
	)

	providers := opts.Providers
	if providers == nil {
		providers = DefaultProviderRegistry()
	}

	obsList := make([]metrics.Observer, 0, 2+len(opts.ExtraObservers))
	var metricsFD *os.File
	if cfg.Observability.MetricsPath != "" {
		fd, err := os.OpenFile(cfg.Observability.MetricsPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open metrics file: %w", err)
		}
		metricsFD = fd
		obsList = append(obsList, metrics.NewJSONLObserver(fd))
	}
	obsList = append(obsList, opts.ExtraObservers...)
	var inner metrics.Observer = metrics.NoopObserver{}
	if len(obsList) > 0 {
		inner = metrics.NewMultiObserver(obsList...)
	}
	asyncObs := metrics.NewAsyncObserver(inner, 2048)

	records, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return nil, err
	}

	var syncer *store.Syncer
	if cfg.Sync.Enabled {
		blob, err := providers.BuildBlobStore(cfg.Vendors.Sync.Provider, cfg)
		if err != nil {
			_ = records.Close()
			return nil, err
		}
		syncer = store.NewSyncer(records, blob,
			store.WithSyncInterval(time.Duration(cfg.Sync.IntervalS)*time.Second),
			store.WithSyncObserver(asyncObs),
		)
	}

	cloudFactory, err := providers.BuildRecognizerFactory(cfg.Vendors.Recognition.Provider, cfg)
	if err != nil {
		_ = records.Close()
		return nil, err
	}
	var deviceFactory recognition.Factory
	if opts.DeviceBackend != nil {
		backend := opts.DeviceBackend
		deviceFactory = func(sessionID string) (recognition.Recognizer, error) {
			return device.New(backend, device.Config{
				Language:   cfg.Recognition.Language,
				SampleRate: cfg.Recognition.SampleRate,
				SessionID:  sessionID,
			}), nil
		}
	}
	recognizer := recognition.NewOrchestrator(deviceFactory, cloudFactory, cfg.RecognitionSettings())
	recognizer.SetObserver(asyncObs)

	aiBackend, err := providers.BuildSummarizer(cfg.Vendors.Summarization.Provider, cfg)
	if err != nil {
		_ = records.Close()
		return nil, err
	}
	summarizer := summarize.NewEngine(aiBackend, summarize.WithObserver(asyncObs))

	var gateway *telephony.Gateway
	audioSource := opts.AudioSource
	lifecycleOpts := []lifecycle.Option{lifecycle.WithObserver(asyncObs)}
	if cfg.Telephony.Provider != "" {
		if normalizeName(cfg.Telephony.Provider) != "twilio" {
			_ = records.Close()
			return nil, errorsx.Wrap(
				fmt.Errorf("telephony provider not supported: %s", cfg.Telephony.Provider),
				errorsx.ReasonInvalidConfiguration)
		}
		var tcfg telephony.Config
		if err := configutil.DecodeSettings(cfg.Telephony.Settings, &tcfg); err != nil {
			_ = records.Close()
			return nil, errorsx.Wrap(err, errorsx.ReasonInvalidConfiguration)
		}
		gateway = telephony.NewGateway(tcfg)
		lifecycleOpts = append(lifecycleOpts, lifecycle.WithSignalSource(gateway))
		if audioSource == nil {
			audioSource = telephony.NewStreamSource(gateway)
		}
	}
	if audioSource == nil {
		_ = records.Close()
		return nil, errorsx.Wrap(
			fmt.Errorf("no audio source: configure telephony or provide one"),
			errorsx.ReasonInvalidConfiguration)
	}

	captureEngine := capture.NewEngine(audioSource)
	orch := lifecycle.NewOrchestrator(captureEngine, recognizer, summarizer, records,
		lifecycle.Config{Summary: cfg.SummarySettings()}, lifecycleOpts...)

	return &Engine{
		cfg:       cfg,
		orch:      orch,
		records:   records,
		syncer:    syncer,
		gateway:   gateway,
		asyncObs:  asyncObs,
		metricsFD: metricsFD,
		logger:    logger,
	}, nil
}

// Start brings the pipeline up and begins monitoring for calls.
func (e *Engine) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	if e.syncer != nil {
		e.syncer.Start(runCtx)
	}
	if err := e.orch.StartMonitoring(runCtx); err != nil {
		cancel()
		return err
	}
	e.logger.Info("engine_started", "environment", e.cfg.Environment)
	return nil
}

// Drain finishes in-flight work and releases every resource.
func (e *Engine) Drain() error {
	e.orch.Stop()
	if e.syncer != nil {
		e.syncer.Stop()
	}
	if e.gateway != nil {
		_ = e.gateway.Stop()
	}
	if e.cancel != nil {
		e.cancel()
	}
	err := e.records.Close()
	e.asyncObs.Close()
	if e.metricsFD != nil {
		_ = e.metricsFD.Close()
	}
	e.logger.Info("engine_stopped")
	return err
}

// Lifecycle exposes the call orchestrator for UI layers and tests.
func (e *Engine) Lifecycle() *lifecycle.Orchestrator { return e.orch }

// Store exposes the persistence layer.
func (e *Engine) Store() *store.Store { return e.records }
