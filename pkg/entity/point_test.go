package entity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPointLine(t *testing.T) {
	p := ReportPoint{
		Metric:    "request.count",
		Source:    "web-01",
		Timestamp: 1_700_000_000_000,
		Value:     42,
		Annotations: map[string]string{
			"env": "prod",
			"az":  "us-east-1",
		},
	}
	assert.Equal(t,
		`"request.count" 42 1700000000 source="web-01" "az"="us-east-1" "env"="prod"`,
		p.Line())
}

func TestPointLineEscaping(t *testing.T) {
	p := ReportPoint{
		Metric:    "weird.metric",
		Source:    `host"with"quotes`,
		Timestamp: 1_700_000_000_000,
		Value:     1,
	}
	assert.Equal(t,
		`"weird.metric" 1 1700000000 source="host\"with\"quotes"`,
		p.Line())
}

func TestDistributionLine(t *testing.T) {
	p := ReportPoint{
		Metric:    "request.latency",
		Source:    "web-01",
		Timestamp: 1_700_000_000_000,
		Distribution: &Distribution{
			DurationMillis: 60_000,
			Centroids: []Centroid{
				{Value: 21.5, Count: 10},
				{Value: 95, Count: 2},
			},
		},
	}
	assert.Equal(t,
		`!M 1700000000 #10 21.5 #2 95 "request.latency" source="web-01"`,
		p.Line())

	p.Distribution.DurationMillis = 3_600_000
	assert.Contains(t, p.Line(), "!H ")
	p.Distribution.DurationMillis = 86_400_000
	assert.Contains(t, p.Line(), "!D ")
}

func TestSampleCount(t *testing.T) {
	d := Distribution{Centroids: []Centroid{{Value: 1, Count: 3}, {Value: 2, Count: 4}}}
	assert.Equal(t, int64(7), d.SampleCount())
}

func TestIsDelta(t *testing.T) {
	assert.True(t, IsDelta("∆request.count"))
	assert.True(t, IsDelta("Δrequest.count"))
	assert.False(t, IsDelta("request.count"))
}

func TestSpanLine(t *testing.T) {
	s := Span{
		Name:           "getOrder",
		Source:         "web-01",
		TraceID:        "t-1",
		SpanID:         "s-1",
		Parents:        []string{"p-1"},
		StartMillis:    1_700_000_000_123,
		DurationMillis: 250,
		Annotations: []Annotation{
			{Key: "application", Value: "shop"},
			{Key: "service", Value: "orders"},
		},
	}
	assert.Equal(t,
		`"getOrder" source="web-01" traceId=t-1 spanId=s-1 parent=p-1 `+
			`"application"="shop" "service"="orders" 1700000000123 250`,
		s.Line())
}

func TestSpanAnnotationLookup(t *testing.T) {
	s := Span{Annotations: []Annotation{
		{Key: "k", Value: "first"},
		{Key: "k", Value: "second"},
	}}
	v, ok := s.Annotation("k")
	require.True(t, ok)
	assert.Equal(t, "first", v)

	_, ok = s.Annotation("missing")
	assert.False(t, ok)
}

func TestHostMetricTagsPairID(t *testing.T) {
	a := HostMetricTagsPair{Host: "h", Metric: "m", Tags: map[string]string{"x": "1", "y": "2"}}
	b := HostMetricTagsPair{Host: "h", Metric: "m", Tags: map[string]string{"y": "2", "x": "1"}}
	assert.Equal(t, a.ID(), b.ID())

	c := HostMetricTagsPair{Host: "h", Metric: "m", Tags: map[string]string{"x": "1"}}
	assert.NotEqual(t, a.ID(), c.ID())
}
