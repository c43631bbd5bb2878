package call

import (
	"time"
)

// RecognitionMethod identifies which backend produced a transcription.
type RecognitionMethod string

const (
	MethodDevice  RecognitionMethod = "device"
	MethodCloud   RecognitionMethod = "cloud"
	MethodUnknown RecognitionMethod = "unknown"
)

// Direction of the call relative to the device owner.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
	DirectionUnknown  Direction = "unknown"
)

// AudioQuality is a coarse tier derived from capture conditions.
type AudioQuality string

const (
	QualityLow    AudioQuality = "low"
	QualityMedium AudioQuality = "medium"
	QualityHigh   AudioQuality = "high"
)

// SummarySource records which path produced a summary.
type SummarySource string

const (
	SourceRuleBased         SummarySource = "rule_based"
	SourceAI                SummarySource = "ai"
	SourceRuleBasedFallback SummarySource = "rule_based_fallback"
)

// TranscriptSegment is one timed span of recognized speech.
type TranscriptSegment struct {
	Text       string  `json:"text"`
	StartMS    int64   `json:"start_ms"`
	EndMS      int64   `json:"end_ms"`
	Confidence float64 `json:"confidence"`
	Speaker    string  `json:"speaker,omitempty"`
}

// RecognitionResult is the finalized output of one recognition session.
// Immutable once produced.
type RecognitionResult struct {
	Text       string              `json:"text"`
	Confidence float64             `json:"confidence"`
	Method     RecognitionMethod   `json:"method"`
	Language   string              `json:"language"`
	Duration   time.Duration       `json:"duration"`
	Segments   []TranscriptSegment `json:"segments,omitempty"`
}

// CallSummary is the structured summary produced from one RecognitionResult.
type CallSummary struct {
	KeyPoints    []string      `json:"key_points,omitempty"`
	Summary      string        `json:"summary"`
	ActionItems  []string      `json:"action_items,omitempty"`
	Participants []string      `json:"participants,omitempty"`
	Tags         []string      `json:"tags,omitempty"`
	Confidence   float64       `json:"confidence"`
	Source       SummarySource `json:"source"`
}

// CallMetadata captures how a call was processed.
type CallMetadata struct {
	Direction    Direction         `json:"direction"`
	AudioQuality AudioQuality      `json:"audio_quality"`
	Method       RecognitionMethod `json:"method"`
	Language     string            `json:"language"`
	Confidence   float64           `json:"confidence"`
	DeviceInfo   string            `json:"device_info,omitempty"`
	NetworkInfo  string            `json:"network_info,omitempty"`
}

// StructuredCallData is the durable unit of record for a completed call.
// Constructed complete in memory and committed atomically; immutable afterwards
// except for sharing flags, which are managed outside this pipeline.
type StructuredCallData struct {
	ID            string        `json:"id"`
	Timestamp     time.Time     `json:"timestamp"`
	Duration      time.Duration `json:"duration"`
	Counterpart   string        `json:"counterpart,omitempty"`
	AudioRef      string        `json:"audio_ref,omitempty"`
	Transcription string        `json:"transcription"`
	Summary       CallSummary   `json:"summary"`
	Metadata      CallMetadata  `json:"metadata"`
	Shared        bool          `json:"shared"`
}

// SyncQueueEntry tracks a locally saved record awaiting remote upload.
type SyncQueueEntry struct {
	CallID      string    `json:"call_id"`
	RetryCount  int       `json:"retry_count"`
	LastAttempt time.Time `json:"last_attempt,omitempty"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

// ClampConfidence bounds a confidence score to [0,1].
func ClampConfidence(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// WeightedConfidence computes a duration-weighted mean of segment confidences.
// Segments without duration contribute with unit weight.
func WeightedConfidence(segments []TranscriptSegment) float64 {
	if len(segments) == 0 {
		return 0
	}
	var sum, weight float64
	for _, seg := range segments {
		w := float64(seg.EndMS - seg.StartMS)
		if w <= 0 {
			w = 1
		}
		sum += ClampConfidence(seg.Confidence) * w
		weight += w
	}
	if weight == 0 {
		return 0
	}
	return ClampConfidence(sum / weight)
}
