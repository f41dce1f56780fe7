package remote

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Monitor implements Connectivity by probing a health endpoint on an
// interval. The cheap Online() pre-check lets the sync engine avoid burning
// retry budget on a known-offline device.
type Monitor struct {
	url      string
	interval time.Duration
	http     *http.Client
	logger   *zap.Logger

	online      atomic.Bool
	transitions chan bool
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewMonitor creates a connectivity monitor. It starts pessimistic: offline
// until the first successful probe.
func NewMonitor(url string, interval time.Duration, logger *zap.Logger) *Monitor {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		url:         url,
		interval:    interval,
		http:        &http.Client{Timeout: 5 * time.Second},
		logger:      logger,
		transitions: make(chan bool, 8),
		done:        make(chan struct{}),
	}
}

var _ Connectivity = (*Monitor)(nil)

// Start begins probing in the background.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	go m.run(ctx)
}

// Stop terminates the probe loop.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
}

// Online implements Connectivity.
func (m *Monitor) Online() bool {
	return m.online.Load()
}

// Transitions implements Connectivity. Emits the new online value on every
// offline<->online edge.
func (m *Monitor) Transitions() <-chan bool {
	return m.transitions
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)

	m.probe(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.probe(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) probe(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.url, nil)
	if err != nil {
		return
	}
	resp, err := m.http.Do(req)
	up := err == nil && resp.StatusCode < 500
	if resp != nil {
		_ = resp.Body.Close()
	}

	if m.online.Swap(up) != up {
		m.logger.Info("connectivity changed", zap.Bool("online", up))
		select {
		case m.transitions <- up:
		default:
		}
	}
}
