package mock

import (
	"context"
	"sync"

	"github.com/NikoToRA/telreq-sub001/pkg/summarize"
)

// Summarizer is a scripted AI backend for tests and local runs.
type Summarizer struct {
	Result summarize.AIResult
	Err    error

	mu    sync.Mutex
	calls int
}

func NewSummarizer(result summarize.AIResult) *Summarizer {
	return &Summarizer{Result: result}
}

func (s *Summarizer) Name() string { return "mock_ai" }

func (s *Summarizer) Summarize(ctx context.Context, text string, cfg summarize.Config) (summarize.AIResult, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.Err != nil {
		return summarize.AIResult{}, s.Err
	}
	if err := ctx.Err(); err != nil {
		return summarize.AIResult{}, err
	}
	return s.Result, nil
}

func (s *Summarizer) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

var _ summarize.AIBackend = (*Summarizer)(nil)
