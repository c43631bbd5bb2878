package summarize

import (
	"context"
	"log/slog"
	"time"

	"github.com/NikoToRA/telreq-sub001/pkg/call"
	"github.com/NikoToRA/telreq-sub001/pkg/errorsx"
	"github.com/NikoToRA/telreq-sub001/pkg/logging"
	"github.com/NikoToRA/telreq-sub001/pkg/metrics"
	"github.com/NikoToRA/telreq-sub001/pkg/resilience"
)

// AIResult is the cloud summarizer's raw output.
type AIResult struct {
	Summary     string
	ActionItems []string
	KeyPoints   []string
	Confidence  float64
}

// AIBackend defines the contract for a cloud AI summarization vendor.
type AIBackend interface {
	Name() string
	Summarize(ctx context.Context, text string, cfg Config) (AIResult, error)
}

// Engine produces structured summaries through a hybrid rule-based/AI path.
// The AI path is skipped entirely while memory usage sits above the ceiling
// or while the breaker is open; both degrade to the rule-based path, never
// to an error.
type Engine struct {
	backend AIBackend
	probe   MemoryProbe
	ceiling uint64
	breaker *resilience.CircuitBreaker
	obs     metrics.Observer
	logger  *slog.Logger
}

type Option func(*Engine)

// WithMemoryProbe overrides the memory probe, mainly for tests.
func WithMemoryProbe(probe MemoryProbe) Option {
	return func(e *Engine) { e.probe = probe }
}

// WithCeiling overrides the memory ceiling in bytes.
func WithCeiling(ceiling uint64) Option {
	return func(e *Engine) { e.ceiling = ceiling }
}

// WithObserver attaches a metrics observer.
func WithObserver(obs metrics.Observer) Option {
	return func(e *Engine) { e.obs = obs }
}

func NewEngine(backend AIBackend, opts ...Option) *Engine {
	e := &Engine{
		backend: backend,
		probe:   HeapProbe,
		ceiling: DefaultCeiling,
		breaker: resilience.NewCircuitBreaker(3, 60*time.Second),
		logger:  logging.NewComponentLogger(slog.Default(), "summarize"),
	}
	e.breaker.SetClassifier(func(err error) bool { return err != nil })
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Summarize always returns a usable CallSummary with a non-empty summary
// string. Cloud failures, timeouts and low-confidence output are absorbed by
// the rule-based path.
func (e *Engine) Summarize(ctx context.Context, text string, cfg Config) (call.CallSummary, error) {
	cfg = cfg.withDefaults()

	if resident := e.probe(); resident >= e.ceiling {
		e.record(metrics.EventMemoryCeiling, map[string]any{"resident_bytes": resident})
		e.logger.Warn("memory_ceiling_hit", "resident_bytes", resident, "ceiling_bytes", e.ceiling)
		releaseMemory()
		return e.finishRuleBased(text, cfg, cfg.wantsAI()), nil
	}

	if !cfg.wantsAI() || e.backend == nil {
		return e.finishRuleBased(text, cfg, false), nil
	}

	if !e.breaker.Allow() {
		e.record(metrics.EventBreakerDenied, nil)
		return e.finishRuleBased(text, cfg, true), nil
	}

	aiCtx, cancel := context.WithTimeout(ctx, cfg.AITimeout)
	defer cancel()
	res, err := e.backend.Summarize(aiCtx, text, cfg)
	if err != nil {
		reason := errorsx.ReasonSummarizationFailure
		if aiCtx.Err() != nil {
			reason = errorsx.ReasonSummarizationTimeout
		}
		e.breaker.OnError(err)
		if resilience.IsRateLimit(err) {
			e.record(metrics.EventRateLimit, nil)
		}
		e.logger.Info("ai_summarize_error", "backend", e.backend.Name(), "reason_code", string(reason), "error", err.Error())
		return e.finishRuleBased(text, cfg, true), nil
	}
	e.breaker.OnSuccess()

	if res.Summary == "" || res.Confidence < cfg.QualityThreshold {
		e.logger.Info("ai_summary_below_threshold", "backend", e.backend.Name(), "confidence", res.Confidence, "threshold", cfg.QualityThreshold)
		return e.finishRuleBased(text, cfg, true), nil
	}

	out := call.CallSummary{
		Summary:    truncate(res.Summary, cfg.MaxLength),
		KeyPoints:  res.KeyPoints,
		Confidence: call.ClampConfidence(res.Confidence),
		Source:     call.SourceAI,
	}
	if cfg.IncludeActionItems {
		out.ActionItems = res.ActionItems
	}
	if cfg.IncludeKeywords {
		// The AI vendor does not return keywords; derive them from the
		// transcript the same way the rule-based path does.
		out.Tags = extractKeywords(splitSentences(text), 5)
	}
	if out.Summary == "" {
		out.Summary = NoSpeechSentinel
		out.Confidence = 0
	}
	return out, nil
}

func (e *Engine) finishRuleBased(text string, cfg Config, fallback bool) call.CallSummary {
	out := ruleBasedSummary(text, cfg)
	if fallback {
		out.Source = call.SourceRuleBasedFallback
		e.record(metrics.EventSummaryFallback, nil)
	}
	return out
}

func (e *Engine) record(name string, fields map[string]any) {
	if e.obs == nil {
		return
	}
	e.obs.RecordEvent(metrics.MetricsEvent{
		Name:   name,
		Time:   time.Now(),
		Tags:   map[string]string{"component": "summarize"},
		Fields: fields,
	})
}
