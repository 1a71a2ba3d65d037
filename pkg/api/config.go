package api

// AgentConfiguration is the dynamic configuration document returned by the
// backend on every check-in. Absent fields (nil pointers) leave the current
// proxy-side setting untouched.
type AgentConfiguration struct {
	CurrentTime   *int64 `json:"currentTime,omitempty"`
	ShutOffAgents bool   `json:"shutOffAgents,omitempty"`

	PointsPerBatch              *int64 `json:"pointsPerBatch,omitempty"`
	HistogramsPerBatch          *int64 `json:"histogramsPerBatch,omitempty"`
	SpansPerBatch               *int64 `json:"spansPerBatch,omitempty"`
	SpanLogsPerBatch            *int64 `json:"spanLogsPerBatch,omitempty"`
	CollectorSetsPointsPerBatch *bool  `json:"collectorSetsPointsPerBatch,omitempty"`

	CollectorRateLimit     *float64 `json:"collectorRateLimit,omitempty"`
	CollectorSetsRateLimit *bool    `json:"collectorSetsRateLimit,omitempty"`

	RetryBackoffBaseSeconds   *float64 `json:"retryBackoffBaseSeconds,omitempty"`
	CollectorSetsRetryBackoff *bool    `json:"collectorSetsRetryBackoff,omitempty"`
	SplitPushWhenRateLimited  *bool    `json:"splitPushWhenRateLimited,omitempty"`

	HistogramDisabled *bool `json:"histogramDisabled,omitempty"`
	TraceDisabled     *bool `json:"traceDisabled,omitempty"`
	SpanLogsDisabled  *bool `json:"spanLogsDisabled,omitempty"`

	SpanSamplingRate        *float64 `json:"spanSamplingRate,omitempty"`
	ActiveSpanSamplingOnly  *bool    `json:"activeSpanSamplingOnly,omitempty"`
	DropSpansDelayedMinutes *int64   `json:"dropSpansDelayedMinutes,omitempty"`
}
