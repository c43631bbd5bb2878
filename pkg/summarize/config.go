package summarize

import "time"

// Mode selects how the engine combines the rule-based and AI paths.
type Mode string

const (
	ModeRuleBasedOnly    Mode = "rule_based_only"
	ModeAIOnly           Mode = "ai_only"
	ModeRuleBasedPrimary Mode = "rule_based_primary"
	ModeAIPrimary        Mode = "ai_primary"
)

// Config is passed in per summarization call; there is no ambient settings
// lookup inside the engine.
type Config struct {
	Mode               Mode
	QualityThreshold   float64
	MaxLength          int
	KeyPoints          int
	IncludeKeywords    bool
	IncludeActionItems bool
	AITimeout          time.Duration
}

func (c Config) withDefaults() Config {
	if c.Mode == "" {
		c.Mode = ModeRuleBasedPrimary
	}
	if c.QualityThreshold <= 0 {
		c.QualityThreshold = 0.6
	}
	if c.MaxLength <= 0 {
		c.MaxLength = 300
	}
	if c.KeyPoints <= 0 {
		c.KeyPoints = 3
	}
	if c.AITimeout <= 0 {
		c.AITimeout = 30 * time.Second
	}
	return c
}

func (c Config) wantsAI() bool {
	return c.Mode == ModeAIOnly || c.Mode == ModeAIPrimary
}
