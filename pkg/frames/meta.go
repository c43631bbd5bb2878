package frames

// Meta keys attached to frames flowing through the pipeline.
const (
	MetaSessionID  = "session_id"
	MetaCallSID    = "call_sid"
	MetaTraceID    = "trace_id"
	MetaSource     = "source"
	MetaReason     = "reason"
	MetaIsFinal    = "is_final"
	MetaConfidence = "confidence"
	MetaMethod     = "method"
	MetaLanguage   = "language"
	MetaSpeaker    = "speaker"
	MetaStartMS    = "start_ms"
	MetaEndMS      = "end_ms"
	MetaFromNumber = "from_number"
	MetaLevel      = "level"
)
