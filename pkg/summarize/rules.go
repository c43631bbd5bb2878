package summarize

import (
	"strings"

	"github.com/NikoToRA/telreq-sub001/pkg/call"
)

// NoSpeechSentinel is returned for entirely empty transcripts. Callers never
// receive an empty summary with a non-error status.
const NoSpeechSentinel = "no speech detected"

// actionVerbs is the fixed lexicon used to flag action items.
var actionVerbs = []string{
	"call", "schedule", "send", "review", "follow up", "confirm",
	"prepare", "check", "update", "book", "email", "remind", "submit",
	"連絡", "確認", "送付", "予約", "対応", "提出",
}

var sentenceEnders = ".!?。！？"

// splitSentences breaks a transcript into trimmed sentences. Handles both
// Latin and CJK sentence punctuation.
func splitSentences(text string) []string {
	var out []string
	var sb strings.Builder
	flush := func() {
		s := strings.TrimSpace(sb.String())
		if s != "" {
			out = append(out, s)
		}
		sb.Reset()
	}
	for _, r := range text {
		sb.WriteRune(r)
		if strings.ContainsRune(sentenceEnders, r) {
			flush()
		}
	}
	flush()
	return out
}

// sentence length tiers used to weight candidates for the summary body
const (
	tierShort = iota
	tierMedium
	tierLong
)

func lengthTier(s string) int {
	n := len([]rune(s))
	switch {
	case n < 20:
		return tierShort
	case n < 80:
		return tierMedium
	default:
		return tierLong
	}
}

// ruleBasedSummary builds a CallSummary without any remote calls. It always
// returns a non-empty summary string.
func ruleBasedSummary(text string, cfg Config) call.CallSummary {
	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return call.CallSummary{
			Summary:    NoSpeechSentinel,
			Confidence: 0,
			Source:     call.SourceRuleBased,
		}
	}

	// Medium sentences carry the most signal; fall back to whatever exists.
	var picked []string
	total := 0
	appendSentence := func(s string) bool {
		if total+len(s) > cfg.MaxLength && total > 0 {
			return false
		}
		picked = append(picked, s)
		total += len(s) + 1
		return true
	}
	for _, s := range sentences {
		if lengthTier(s) == tierMedium {
			if !appendSentence(s) {
				break
			}
		}
	}
	if len(picked) == 0 {
		for _, s := range sentences {
			if !appendSentence(s) {
				break
			}
		}
	}
	summary := strings.Join(picked, " ")
	if len(summary) > cfg.MaxLength {
		summary = truncate(summary, cfg.MaxLength)
	}

	out := call.CallSummary{
		Summary:    summary,
		Confidence: 0.5,
		Source:     call.SourceRuleBased,
	}
	for i, s := range sentences {
		if i >= cfg.KeyPoints {
			break
		}
		out.KeyPoints = append(out.KeyPoints, s)
	}
	if cfg.IncludeActionItems {
		out.ActionItems = extractActionItems(sentences)
	}
	if cfg.IncludeKeywords {
		out.Tags = extractKeywords(sentences, 5)
	}
	return out
}

func extractActionItems(sentences []string) []string {
	var items []string
	for _, s := range sentences {
		lower := strings.ToLower(s)
		for _, verb := range actionVerbs {
			if strings.Contains(lower, verb) {
				items = append(items, s)
				break
			}
		}
	}
	return items
}

// extractKeywords picks the most frequent words of four or more runes.
func extractKeywords(sentences []string, limit int) []string {
	counts := make(map[string]int)
	var order []string
	for _, s := range sentences {
		for _, w := range strings.Fields(strings.ToLower(s)) {
			w = strings.Trim(w, sentenceEnders+",;:\"'")
			if len([]rune(w)) < 4 {
				continue
			}
			if counts[w] == 0 {
				order = append(order, w)
			}
			counts[w]++
		}
	}
	var keywords []string
	for _, w := range order {
		if counts[w] >= 2 {
			keywords = append(keywords, w)
			if len(keywords) >= limit {
				break
			}
		}
	}
	return keywords
}

// truncate clips a string to max bytes without splitting a rune.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for i := max; i > 0; i-- {
		if isRuneBoundary(s, i) {
			return s[:i]
		}
	}
	return ""
}

func isRuneBoundary(s string, i int) bool {
	if i == 0 || i == len(s) {
		return true
	}
	b := s[i]
	return b&0xC0 != 0x80
}
