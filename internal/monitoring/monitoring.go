package monitoring

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cuongbtq/agentflow/internal/config"
	"github.com/cuongbtq/agentflow/internal/domain"
	"github.com/cuongbtq/agentflow/internal/jobstore"
)

const writeWait = 10 * time.Second

// QueueStats is the read side of the job store
type QueueStats interface {
	Queues() []string
	Counts(ctx context.Context, queue string) (domain.QueueCounts, error)
	Throughput(ctx context.Context, queue string, minutes int) (float64, error)
	Latency(ctx context.Context, queue string) (jobstore.Percentiles, error)
	CountDeadLetters(ctx context.Context) (int64, error)
}

// DenialCounter reports rate-limit denials per class
type DenialCounter interface {
	Denials(ctx context.Context, organizationID string) (map[string]int64, error)
}

// BudgetReporter reports the monthly budget position of an organization
type BudgetReporter interface {
	Status(ctx context.Context, organizationID string) (domain.BudgetStatus, error)
}

// LatencySummary holds processing latency percentiles in milliseconds
type LatencySummary struct {
	P50     int64 `json:"p50_ms"`
	P95     int64 `json:"p95_ms"`
	P99     int64 `json:"p99_ms"`
	Samples int   `json:"samples"`
}

// QueueSnapshot is the health of one queue
type QueueSnapshot struct {
	domain.QueueCounts
	Throughput float64        `json:"throughput_per_minute"`
	Latency    LatencySummary `json:"latency"`
}

// Snapshot is the health of the whole pipeline
type Snapshot struct {
	Queues      []QueueSnapshot `json:"queues"`
	DeadLetters int64           `json:"dead_letters"`
	GeneratedAt time.Time       `json:"generated_at"`
}

// OrganizationStatus is the admission and spend view of one organization
type OrganizationStatus struct {
	OrganizationID   string              `json:"organization_id"`
	RateLimitDenials map[string]int64    `json:"rate_limit_denials"`
	Budget           domain.BudgetStatus `json:"budget"`
}

// Monitor aggregates queue, limiter and budget state
type Monitor struct {
	stats    QueueStats
	denials  DenialCounter
	budgets  BudgetReporter
	interval time.Duration
	window   int
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// New creates a Monitor
func New(stats QueueStats, denials DenialCounter, budgets BudgetReporter, cfg config.MonitoringConfig, logger *slog.Logger) *Monitor {
	interval := cfg.StreamInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	window := cfg.ThroughputWindow
	if window <= 0 {
		window = 5
	}

	return &Monitor{
		stats:    stats,
		denials:  denials,
		budgets:  budgets,
		interval: interval,
		window:   window,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Snapshot reads the current state of every queue
func (m *Monitor) Snapshot(ctx context.Context) (*Snapshot, error) {
	queues := m.stats.Queues()
	snap := &Snapshot{
		Queues:      make([]QueueSnapshot, 0, len(queues)),
		GeneratedAt: time.Now().UTC(),
	}

	for _, queue := range queues {
		counts, err := m.stats.Counts(ctx, queue)
		if err != nil {
			return nil, err
		}
		throughput, err := m.stats.Throughput(ctx, queue, m.window)
		if err != nil {
			return nil, err
		}
		latency, err := m.stats.Latency(ctx, queue)
		if err != nil {
			return nil, err
		}

		snap.Queues = append(snap.Queues, QueueSnapshot{
			QueueCounts: counts,
			Throughput:  throughput,
			Latency: LatencySummary{
				P50:     latency.P50.Milliseconds(),
				P95:     latency.P95.Milliseconds(),
				P99:     latency.P99.Milliseconds(),
				Samples: latency.Samples,
			},
		})
	}

	total, err := m.stats.CountDeadLetters(ctx)
	if err != nil {
		return nil, err
	}
	snap.DeadLetters = total

	return snap, nil
}

// Organization reads rate-limit denials and budget status of organizationID
func (m *Monitor) Organization(ctx context.Context, organizationID string) (*OrganizationStatus, error) {
	denials, err := m.denials.Denials(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	status, err := m.budgets.Status(ctx, organizationID)
	if err != nil {
		return nil, fmt.Errorf("failed to read budget status: %w", err)
	}

	return &OrganizationStatus{
		OrganizationID:   organizationID,
		RateLimitDenials: denials,
		Budget:           status,
	}, nil
}

// ServeStream upgrades the request to a WebSocket and streams snapshots
// until the client goes away
func (m *Monitor) ServeStream(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Warn("WebSocket upgrade failed", slog.Any("error", err))
		return
	}
	defer conn.Close()

	m.logger.Debug("Monitoring stream opened", slog.String("remote_addr", r.RemoteAddr))

	if err := m.Stream(r.Context(), conn); err != nil {
		m.logger.Warn("Monitoring stream ended", slog.Any("error", err))
		return
	}

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait),
	)
}

// Stream pushes a snapshot immediately and then every stream interval. It
// returns nil once ctx is done or the peer closes the connection.
func (m *Monitor) Stream(ctx context.Context, conn *websocket.Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// the read loop only detects the peer going away
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		if err := m.push(ctx, conn); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (m *Monitor) push(ctx context.Context, conn *websocket.Conn) error {
	snap, err := m.Snapshot(ctx)
	if err != nil {
		return err
	}
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteJSON(snap)
}

// MetricsHandler serves the collectors of g in the Prometheus text format
func MetricsHandler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
