package metrics

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/deepfreeze/deepfreeze/pkg/errors"
)

// Collector records command and adapter outcomes plus the state gauges
// refreshed at the end of each command.
type Collector struct {
	mu       sync.Mutex
	config   *Config
	registry *prometheus.Registry

	commandCounter  *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	adapterCounter  *prometheus.CounterVec
	repositories    *prometheus.GaugeVec
	thawRequests    *prometheus.GaugeVec
	driftFindings   *prometheus.GaugeVec
	lastSuccess     *prometheus.GaugeVec
}

// Config represents metrics configuration
type Config struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
	// PushgatewayURL, when set, receives the registry after every command.
	PushgatewayURL string `yaml:"pushgateway_url"`
	Job            string `yaml:"job"`
	// Textfile, when set, is rewritten in the text exposition format for
	// node_exporter's textfile collector.
	Textfile string `yaml:"textfile"`
}

// NewCollector creates a new metrics collector
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = &Config{
			Enabled:   true,
			Namespace: "deepfreeze",
			Job:       "deepfreeze",
		}
	}
	if config.Namespace == "" {
		config.Namespace = "deepfreeze"
	}
	if config.Job == "" {
		config.Job = "deepfreeze"
	}

	if !config.Enabled {
		return &Collector{config: config}, nil
	}

	collector := &Collector{
		config:   config,
		registry: prometheus.NewRegistry(),
	}
	collector.initMetrics()
	if err := collector.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	return collector, nil
}

// Registry exposes the underlying registry, nil when disabled.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// RecordCommand records one CLI command run.
func (c *Collector) RecordCommand(command string, duration time.Duration, err error) {
	if !c.config.Enabled {
		return
	}
	result := Result(err)
	c.commandCounter.With(prometheus.Labels{"command": command, "result": result}).Inc()
	c.commandDuration.With(prometheus.Labels{"command": command}).Observe(duration.Seconds())
	if err == nil {
		c.lastSuccess.With(prometheus.Labels{"command": command}).SetToCurrentTime()
	}
}

// RecordAdapterCall records one storage or cluster call. It matches the
// storage.Observer and cluster.Observer shapes through ProviderObserver
// and ClusterObserver.
func (c *Collector) RecordAdapterCall(adapter, operation string, err error) {
	if !c.config.Enabled {
		return
	}
	c.adapterCounter.With(prometheus.Labels{
		"adapter":   adapter,
		"operation": operation,
		"result":    Result(err),
	}).Inc()
}

// SetRepositories replaces the repository gauge with counts per status.
func (c *Collector) SetRepositories(counts map[string]int) {
	c.setGauge(c.repositories, counts)
}

// SetThawRequests replaces the thaw request gauge with counts per status.
func (c *Collector) SetThawRequests(counts map[string]int) {
	c.setGauge(c.thawRequests, counts)
}

// SetDriftFindings replaces the drift gauge with counts per class.
func (c *Collector) SetDriftFindings(counts map[string]int) {
	c.setGauge(c.driftFindings, counts)
}

func (c *Collector) setGauge(g *prometheus.GaugeVec, counts map[string]int) {
	if !c.config.Enabled {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	g.Reset()
	for label, n := range counts {
		g.WithLabelValues(label).Set(float64(n))
	}
}

// Flush delivers the registry to the configured sinks. It is a no-op when
// neither a pushgateway nor a textfile is configured.
func (c *Collector) Flush(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}
	if c.config.Textfile != "" {
		if err := prometheus.WriteToTextfile(c.config.Textfile, c.registry); err != nil {
			return fmt.Errorf("failed to write metrics textfile: %w", err)
		}
	}
	if c.config.PushgatewayURL != "" {
		pusher := push.New(c.config.PushgatewayURL, c.config.Job).Gatherer(c.registry)
		if err := pusher.PushContext(ctx); err != nil {
			return fmt.Errorf("failed to push metrics: %w", err)
		}
	}
	return nil
}

// Result labels an outcome by error code, "success" for nil.
func Result(err error) string {
	if err == nil {
		return "success"
	}
	return string(errors.CodeOf(err))
}

func (c *Collector) initMetrics() {
	ns := c.config.Namespace

	c.commandCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Name:      "command_total",
			Help:      "Total number of commands run",
		},
		[]string{"command", "result"},
	)

	c.commandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "command_duration_seconds",
			Help:      "Duration of commands in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14), // 50ms to ~7min
		},
		[]string{"command"},
	)

	c.adapterCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: ns,
			Name:      "adapter_calls_total",
			Help:      "Total number of storage and cluster calls",
		},
		[]string{"adapter", "operation", "result"},
	)

	c.repositories = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "repositories",
			Help:      "Recorded repositories by status",
		},
		[]string{"status"},
	)

	c.thawRequests = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "thaw_requests",
			Help:      "Recorded thaw requests by status",
		},
		[]string{"status"},
	)

	c.driftFindings = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "drift_findings",
			Help:      "Discrepancies found by the last repair-metadata run",
		},
		[]string{"class"},
	)

	c.lastSuccess = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful run per command",
		},
		[]string{"command"},
	)
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.commandCounter,
		c.commandDuration,
		c.adapterCounter,
		c.repositories,
		c.thawRequests,
		c.driftFindings,
		c.lastSuccess,
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}
	return nil
}
