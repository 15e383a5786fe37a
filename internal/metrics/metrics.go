// ABOUTME: Gateway counters backed by Prometheus with periodic JSON-lines snapshots
// ABOUTME: Exposes text exposition for /metrics and a structured snapshot for /metrics/json

package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SnapshotInterval is how often counters are flushed to the snapshot log.
const SnapshotInterval = 60 * time.Second

// Metrics holds all gateway counters. Each instance carries its own
// Prometheus registry so tests never collide on the default one.
type Metrics struct {
	registry *prometheus.Registry

	ActiveConnections   prometheus.Gauge
	TotalConnections    prometheus.Counter
	Disconnects         prometheus.Counter
	AuthFailures        prometheus.Counter
	RevokedTokenActive  prometheus.Counter
	MessagesSent        prometheus.Counter
	MessagesLost        *prometheus.CounterVec
	MessageRetries      prometheus.Counter
	AgentsByTransport   *prometheus.GaugeVec
	RegistryRefreshFail prometheus.Counter

	mu       sync.Mutex
	snapPath string
	logger   *slog.Logger
}

// New creates a Metrics instance with all collectors registered.
func New(snapPath string, logger *slog.Logger) *Metrics {
	if logger == nil {
		logger = slog.Default()
	}
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "byoa_active_connections",
			Help: "Currently open downstream sessions (socket + stream).",
		}),
		TotalConnections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "byoa_connections_total",
			Help: "Downstream sessions accepted since start.",
		}),
		Disconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "byoa_disconnects_total",
			Help: "Downstream sessions closed since start.",
		}),
		AuthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "byoa_auth_failures_total",
			Help: "Failed bearer or socket authentications.",
		}),
		RevokedTokenActive: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "byoa_revoked_token_active_sessions_total",
			Help: "Auth rejections for tokens still attached to a live session.",
		}),
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "byoa_messages_sent_total",
			Help: "Messages forwarded upstream on behalf of agents.",
		}),
		MessagesLost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "byoa_messages_lost_total",
			Help: "Messages dropped after webhook retries were exhausted.",
		}, []string{"agent", "room"}),
		MessageRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "byoa_message_retries_total",
			Help: "Webhook delivery retry attempts.",
		}),
		AgentsByTransport: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "byoa_agents_by_transport",
			Help: "Connected agents broken down by transport.",
		}, []string{"transport"}),
		RegistryRefreshFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "byoa_registry_refresh_failures_total",
			Help: "Agent registry refresh attempts that failed.",
		}),
		snapPath: snapPath,
		logger:   logger.With("component", "metrics"),
	}

	reg.MustRegister(
		m.ActiveConnections,
		m.TotalConnections,
		m.Disconnects,
		m.AuthFailures,
		m.RevokedTokenActive,
		m.MessagesSent,
		m.MessagesLost,
		m.MessageRetries,
		m.AgentsByTransport,
		m.RegistryRefreshFail,
	)

	return m
}

// Handler returns the Prometheus text exposition handler for /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Snapshot gathers all collectors into a flat name -> value map.
// Vector collectors contribute one entry per label set, keyed as
// name{label=value,...}, plus an aggregate under the bare name.
func (m *Metrics) Snapshot() (map[string]float64, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return nil, fmt.Errorf("gathering metrics: %w", err)
	}

	out := make(map[string]float64)
	for _, fam := range families {
		var total float64
		for _, metric := range fam.GetMetric() {
			var v float64
			switch {
			case metric.GetCounter() != nil:
				v = metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				v = metric.GetGauge().GetValue()
			default:
				continue
			}
			total += v

			if labels := metric.GetLabel(); len(labels) > 0 {
				key := fam.GetName() + "{"
				for i, lp := range labels {
					if i > 0 {
						key += ","
					}
					key += lp.GetName() + "=" + lp.GetValue()
				}
				key += "}"
				out[key] = v
			}
		}
		out[fam.GetName()] = total
	}
	return out, nil
}

// snapshotRecord is one line in the JSON-lines snapshot log.
type snapshotRecord struct {
	Timestamp time.Time          `json:"timestamp"`
	Counters  map[string]float64 `json:"counters"`
}

// Flush appends the current counter values to the snapshot log.
func (m *Metrics) Flush() error {
	if m.snapPath == "" {
		return nil
	}

	snap, err := m.Snapshot()
	if err != nil {
		return err
	}

	line, err := json.Marshal(snapshotRecord{
		Timestamp: time.Now().UTC(),
		Counters:  snap,
	})
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}

	// Serialize appends so the flush loop and shutdown flush never interleave.
	m.mu.Lock()
	defer m.mu.Unlock()

	f, err := os.OpenFile(m.snapPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("opening snapshot log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("writing snapshot: %w", err)
	}
	return nil
}

// Run flushes snapshots every SnapshotInterval until ctx is cancelled,
// then performs a final flush.
func (m *Metrics) Run(ctx context.Context) {
	ticker := time.NewTicker(SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := m.Flush(); err != nil {
				m.logger.Warn("metrics snapshot failed", "error", err)
			}
		case <-ctx.Done():
			if err := m.Flush(); err != nil {
				m.logger.Warn("final metrics snapshot failed", "error", err)
			}
			return
		}
	}
}
