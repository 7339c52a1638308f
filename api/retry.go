package api

// RetryPolicy is the wire form of a retry policy, frozen into the
// ActivityScheduled event.
type RetryPolicy struct {
	InitialIntervalMs      int64    `json:"initial_interval_ms"`
	BackoffCoefficient     float64  `json:"backoff_coefficient"`
	MaximumIntervalMs      int64    `json:"maximum_interval_ms"`
	MaximumAttempts        int32    `json:"maximum_attempts"`
	NonRetryableErrorTypes []string `json:"non_retryable_error_types,omitempty"`
}
