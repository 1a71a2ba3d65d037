package entity

import (
	"fmt"
	"time"

	"github.com/relayproxy/relay/pkg/clock"
)

// ValidationError marks an item that failed admission checks. Handlers treat
// it as a reject (blocked + logged), never as an escape.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

func validationErrorf(format string, args ...interface{}) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// ValidationConfiguration bounds incoming data. The zero value is unusable;
// use DefaultValidationConfiguration and let check-in override fields.
type ValidationConfiguration struct {
	MetricLengthLimit           int           `yaml:"metric_length_limit"`
	SourceLengthLimit           int           `yaml:"source_length_limit"`
	AnnotationsCountLimit       int           `yaml:"annotations_count_limit"`
	AnnotationsKeyLengthLimit   int           `yaml:"annotations_key_length_limit"`
	AnnotationsValueLengthLimit int           `yaml:"annotations_value_length_limit"`
	SpanLengthLimit             int           `yaml:"span_length_limit"`
	SpanAnnotationsCountLimit   int           `yaml:"span_annotations_count_limit"`
	TimestampSlackPast          time.Duration `yaml:"timestamp_slack_past"`
	TimestampSlackFuture        time.Duration `yaml:"timestamp_slack_future"`
}

// DefaultValidationConfiguration mirrors the backend defaults.
func DefaultValidationConfiguration() ValidationConfiguration {
	return ValidationConfiguration{
		MetricLengthLimit:           255,
		SourceLengthLimit:           128,
		AnnotationsCountLimit:       20,
		AnnotationsKeyLengthLimit:   64,
		AnnotationsValueLengthLimit: 255,
		SpanLengthLimit:             128,
		SpanAnnotationsCountLimit:   50,
		TimestampSlackPast:          8760 * time.Hour, // one year
		TimestampSlackFuture:        24 * time.Hour,
	}
}

// ValidatePoint admits or rejects a single point. All failures are returned
// as *ValidationError.
func ValidatePoint(p *ReportPoint, cfg ValidationConfiguration) error {
	if p.Metric == "" {
		return validationErrorf("WF-301: metric name is required")
	}
	if len(p.Metric) > cfg.MetricLengthLimit {
		return validationErrorf("WF-301: metric name is too long: %s", p.Metric)
	}
	if p.Source == "" {
		return validationErrorf("WF-406: source/host name is required")
	}
	if len(p.Source) > cfg.SourceLengthLimit {
		return validationErrorf("WF-407: source/host name is too long: %s", p.Source)
	}
	if !validCharset(stripDelta(p.Metric)) {
		return validationErrorf("WF-400: invalid characters in metric name: %s", p.Metric)
	}
	if err := validateTimestamp(p.Timestamp, cfg); err != nil {
		return err
	}
	if len(p.Annotations) > cfg.AnnotationsCountLimit {
		return validationErrorf("WF-410: too many point tags (%d, max %d)", len(p.Annotations), cfg.AnnotationsCountLimit)
	}
	for k, v := range p.Annotations {
		if len(k) > cfg.AnnotationsKeyLengthLimit {
			return validationErrorf("WF-411: point tag key is too long: %s", k)
		}
		if !validCharset(k) {
			return validationErrorf("WF-401: invalid characters in point tag key: %s", k)
		}
		if len(k)+len(v) > cfg.AnnotationsKeyLengthLimit+cfg.AnnotationsValueLengthLimit {
			return validationErrorf("WF-412: point tag value is too long: %s", v)
		}
		if v == "" {
			return validationErrorf("WF-402: point tag value cannot be empty: %s", k)
		}
	}
	if p.Distribution != nil && len(p.Distribution.Centroids) == 0 {
		return validationErrorf("WF-405: distribution has no centroids")
	}
	return nil
}

// ValidateSpan admits or rejects a single span.
func ValidateSpan(s *Span, cfg ValidationConfiguration) error {
	if s.Name == "" {
		return validationErrorf("WF-426: span name is required")
	}
	if len(s.Name) > cfg.SpanLengthLimit {
		return validationErrorf("WF-427: span name is too long: %s", s.Name)
	}
	if s.Source == "" {
		return validationErrorf("WF-426: span source is required")
	}
	if len(s.Source) > cfg.SourceLengthLimit {
		return validationErrorf("WF-427: span source is too long: %s", s.Source)
	}
	if s.TraceID == "" || s.SpanID == "" {
		return validationErrorf("WF-426: span requires traceId and spanId")
	}
	if err := validateTimestamp(s.StartMillis, cfg); err != nil {
		return err
	}
	if len(s.Annotations) > cfg.SpanAnnotationsCountLimit {
		return validationErrorf("WF-428: too many span annotations (%d, max %d)", len(s.Annotations), cfg.SpanAnnotationsCountLimit)
	}
	for _, a := range s.Annotations {
		if !validCharset(a.Key) {
			return validationErrorf("WF-416: invalid characters in span annotation key: %s", a.Key)
		}
		if len(a.Key) > cfg.AnnotationsKeyLengthLimit {
			return validationErrorf("WF-417: span annotation key is too long: %s", a.Key)
		}
	}
	return nil
}

func validateTimestamp(tsMillis int64, cfg ValidationConfiguration) error {
	now := clock.Now()
	if tsMillis < now-cfg.TimestampSlackPast.Milliseconds() {
		return validationErrorf("WF-402: timestamp is too far in the past: %d", tsMillis)
	}
	if tsMillis > now+cfg.TimestampSlackFuture.Milliseconds() {
		return validationErrorf("WF-402: timestamp is too far in the future: %d", tsMillis)
	}
	return nil
}

// validCharset reports whether s consists entirely of [a-zA-Z0-9-_.].
// Forward slashes and commas show up in the wild often enough that the
// backend allows them too.
func validCharset(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' ||
			c == '-' || c == '_' || c == '.' || c == '/' || c == ',' {
			continue
		}
		return false
	}
	return true
}

func stripDelta(metric string) string {
	for _, prefix := range []string{DeltaPrefix, AltDeltaPrefix} {
		if len(metric) >= len(prefix) && metric[:len(prefix)] == prefix {
			return metric[len(prefix):]
		}
	}
	return metric
}
