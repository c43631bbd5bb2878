package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonPermissionDenied       ReasonCode = "permission_denied"
	ReasonDeviceError            ReasonCode = "device_error"
	ReasonRecognitionUnavailable ReasonCode = "recognition_unavailable"
	ReasonRecognitionTimeout     ReasonCode = "recognition_timeout"
	ReasonRecognitionSend        ReasonCode = "recognition_send"
	ReasonRecognitionRateLimit   ReasonCode = "recognition_rate_limit"
	ReasonRecognitionCircuitOpen ReasonCode = "recognition_circuit_open"

	ReasonSummarizationFailure   ReasonCode = "summarization_failure"
	ReasonSummarizationTimeout   ReasonCode = "summarization_timeout"
	ReasonSummarizationRateLimit ReasonCode = "summarization_rate_limit"

	ReasonStorageFailure ReasonCode = "storage_failure"
	ReasonNotFound       ReasonCode = "not_found"
	ReasonSyncFailure    ReasonCode = "sync_failure"

	ReasonInvalidConfiguration ReasonCode = "invalid_configuration"
	ReasonSessionActive        ReasonCode = "session_active"
	ReasonInvalidState         ReasonCode = "invalid_state"
)
