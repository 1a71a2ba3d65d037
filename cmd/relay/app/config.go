package app

import (
	"flag"
	"fmt"
	"time"

	dslog "github.com/grafana/dskit/log"

	"github.com/relayproxy/relay/modules/accumulator"
	"github.com/relayproxy/relay/modules/sender"
	"github.com/relayproxy/relay/pkg/entity"
)

// PipelineConfig tunes one entity pipeline.
type PipelineConfig struct {
	Handle        string  `yaml:"handle"`
	FlushThreads  int     `yaml:"flush_threads"`
	RateLimit     float64 `yaml:"rate_limit"`
	ItemsPerBatch int     `yaml:"items_per_batch"`
}

func (c *PipelineConfig) registerFlagsAndApplyDefaults(prefix string, handle string, threads int, f *flag.FlagSet) {
	f.StringVar(&c.Handle, prefix+".handle", handle, "Pipeline handle (port identity).")
	f.IntVar(&c.FlushThreads, prefix+".flush-threads", threads, "Concurrent sender tasks for this pipeline.")
	f.Float64Var(&c.RateLimit, prefix+".rate-limit", 0, "Items per second pushed to the backend; 0 means unlimited.")
	f.IntVar(&c.ItemsPerBatch, prefix+".items-per-batch", 0, "Batch size; 0 uses the entity default.")
}

// Config is the root config for App.
type Config struct {
	Server    string `yaml:"server"`
	Token     string `yaml:"token"`
	Hostname  string `yaml:"hostname"`
	Ephemeral bool   `yaml:"ephemeral"`

	ProxyIDPath    string        `yaml:"proxy_id_path"`
	HTTPListenPort int           `yaml:"http_listen_port"`
	HTTPTimeout    time.Duration `yaml:"http_timeout"`

	LogLevel  dslog.Level `yaml:"log_level"`
	LogFormat string      `yaml:"log_format"`

	SpoolDir          string `yaml:"spool_dir"`
	BlockedItemsLog   string `yaml:"blocked_items_log"`
	ValidItemsLog     string `yaml:"valid_items_log"`
	PreprocessorRules string `yaml:"preprocessor_rules"`

	DeltaAggregationInterval time.Duration `yaml:"delta_aggregation_interval"`
	HistogramGranularity     string        `yaml:"histogram_granularity"`
	HistogramSettling        time.Duration `yaml:"histogram_settling"`

	SpanSamplingRate   float64 `yaml:"span_sampling_rate"`
	AlwaysSampleErrors bool    `yaml:"always_sample_errors"`

	Points        PipelineConfig `yaml:"points"`
	DeltaCounters PipelineConfig `yaml:"delta_counters"`
	Histograms    PipelineConfig `yaml:"histograms"`
	Traces        PipelineConfig `yaml:"traces"`
	SpanLogs      PipelineConfig `yaml:"span_logs"`
	SourceTags    PipelineConfig `yaml:"source_tags"`

	Validation entity.ValidationConfiguration `yaml:"validation"`
}

// RegisterFlagsAndApplyDefaults registers flags and sets defaults.
func (c *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&c.Server, "server", "http://localhost:8080", "Backend server base URL.")
	f.StringVar(&c.Token, "token", "", "Backend API token.")
	f.StringVar(&c.Hostname, "hostname", "", "Hostname reported on check-in; defaults to os.Hostname.")
	f.BoolVar(&c.Ephemeral, "ephemeral", true, "Register as an ephemeral proxy.")
	f.StringVar(&c.ProxyIDPath, "proxy-id-path", "proxy_id", "File persisting the proxy UUID across restarts.")
	f.IntVar(&c.HTTPListenPort, "http-listen-port", 3878, "Port for /metrics and /ready.")
	f.DurationVar(&c.HTTPTimeout, "http-timeout", 30*time.Second, "Timeout for backend HTTP calls.")

	c.LogLevel.RegisterFlags(f)
	f.StringVar(&c.LogFormat, "log.format", "logfmt", "Log format: logfmt or json.")

	f.StringVar(&c.SpoolDir, "spool-dir", "spool", "Directory for the disk-backed task queues.")
	f.StringVar(&c.BlockedItemsLog, "blocked-items-log", "", "File receiving one line per blocked item; empty disables.")
	f.StringVar(&c.ValidItemsLog, "valid-items-log", "", "File receiving every accepted item; empty disables.")
	f.StringVar(&c.PreprocessorRules, "preprocessor-rules", "", "YAML preprocessor rules file.")

	f.DurationVar(&c.DeltaAggregationInterval, "delta-aggregation-interval", 30*time.Second, "Delta counter aggregation interval.")
	f.StringVar(&c.HistogramGranularity, "histogram-granularity", "minute", "Histogram bin width: minute, hour or day.")
	f.DurationVar(&c.HistogramSettling, "histogram-settling", 30*time.Second, "Grace period for late histogram samples after a bin closes.")

	f.Float64Var(&c.SpanSamplingRate, "span-sampling-rate", 1, "Fraction of traces kept (0..1).")
	f.BoolVar(&c.AlwaysSampleErrors, "always-sample-errors", true, "Always deliver spans tagged with an error.")

	c.Points.registerFlagsAndApplyDefaults("points", "2878", 4, f)
	c.DeltaCounters.registerFlagsAndApplyDefaults("delta-counters", "2878", 2, f)
	c.Histograms.registerFlagsAndApplyDefaults("histograms", "40000", 2, f)
	c.Traces.registerFlagsAndApplyDefaults("traces", "30001", 2, f)
	c.SpanLogs.registerFlagsAndApplyDefaults("span-logs", "30001", 2, f)
	c.SourceTags.registerFlagsAndApplyDefaults("source-tags", "2878", 1, f)

	c.Validation = entity.DefaultValidationConfiguration()
}

// Granularity resolves the configured histogram bin width.
func (c *Config) Granularity() (accumulator.Granularity, error) {
	switch c.HistogramGranularity {
	case "minute", "":
		return accumulator.GranularityMinute, nil
	case "hour":
		return accumulator.GranularityHour, nil
	case "day":
		return accumulator.GranularityDay, nil
	default:
		return 0, fmt.Errorf("unknown histogram granularity %q", c.HistogramGranularity)
	}
}

// CheckConfig returns warnings for suspect configurations.
func (c *Config) CheckConfig() []string {
	var warnings []string
	if c.Token == "" {
		warnings = append(warnings, "no API token configured; check-ins will be rejected unless the backend allows anonymous proxies")
	}
	if c.SpanSamplingRate < 0 || c.SpanSamplingRate > 1 {
		warnings = append(warnings, "span_sampling_rate outside [0, 1] will be clamped")
	}
	for _, pc := range []struct {
		name string
		cfg  *PipelineConfig
	}{
		{"points", &c.Points}, {"delta_counters", &c.DeltaCounters},
		{"histograms", &c.Histograms}, {"traces", &c.Traces},
		{"span_logs", &c.SpanLogs}, {"source_tags", &c.SourceTags},
	} {
		if pc.cfg.RateLimit > 0 && pc.cfg.RateLimit < sender.DefaultMinBatchSplitSize {
			warnings = append(warnings, fmt.Sprintf("%s rate limit below the minimum batch split size causes permanent splitting", pc.name))
		}
	}
	return warnings
}
