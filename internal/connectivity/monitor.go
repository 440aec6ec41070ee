package connectivity

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"sitesync/internal/config"
	"sitesync/internal/logging"
)

// EventKind distinguishes the offline-to-online edge from steady-state ticks.
type EventKind string

const (
	// EventOnline fires once when the monitor transitions from offline to
	// online after the dwell window has been satisfied.
	EventOnline EventKind = "online"
	// EventTick fires on every successful probe while already online.
	EventTick EventKind = "tick"
	// EventOffline fires when a probe fails while online.
	EventOffline EventKind = "offline"
)

// Event is delivered to subscribers whenever the monitor's view changes or
// a steady online tick completes.
type Event struct {
	Kind EventKind
	At   time.Time
}

// Prober answers whether the upload service is reachable right now.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProbeFunc adapts a function to the Prober interface.
type ProbeFunc func(ctx context.Context) error

func (f ProbeFunc) Probe(ctx context.Context) error { return f(ctx) }

type httpProber struct {
	url     string
	timeout time.Duration
	client  *http.Client
}

func (p *httpProber) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("probe %s: %w", p.url, err)
	}
	resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("probe %s: status %d", p.url, resp.StatusCode)
	}
	return nil
}

// Monitor polls connectivity and publishes online/offline transitions.
// Subscribers get the online edge exactly once per offline-to-online
// transition; flaps shorter than the dwell window never surface.
type Monitor struct {
	prober      Prober
	logger      *slog.Logger
	offlinePoll time.Duration
	onlineTick  time.Duration
	dwell       time.Duration

	kick chan struct{}

	mu          sync.Mutex
	online      bool
	lastChange  time.Time
	subscribers []chan Event
	running     bool
	stop        context.CancelFunc
	done        chan struct{}
}

// NewMonitor builds a monitor from configuration using the HTTP prober.
func NewMonitor(cfg *config.Config, logger *slog.Logger) *Monitor {
	prober := &httpProber{
		url:     cfg.Connectivity.ProbeURL,
		timeout: time.Duration(cfg.Connectivity.ProbeTimeout) * time.Second,
		client:  &http.Client{},
	}
	return NewMonitorWithProber(cfg, logger, prober)
}

// NewMonitorWithProber builds a monitor with an explicit prober (used in tests).
func NewMonitorWithProber(cfg *config.Config, logger *slog.Logger, prober Prober) *Monitor {
	return &Monitor{
		prober:      prober,
		logger:      logging.NewComponentLogger(logger, "connectivity"),
		offlinePoll: time.Duration(cfg.Connectivity.OfflinePollInterval) * time.Second,
		onlineTick:  time.Duration(cfg.Connectivity.OnlineTickInterval) * time.Second,
		dwell:       time.Duration(cfg.Connectivity.DwellSeconds) * time.Second,
		kick:        make(chan struct{}, 1),
	}
}

// Online reports the monitor's current debounced view of the link.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// LastChange returns when the online/offline state last flipped.
func (m *Monitor) LastChange() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastChange
}

// Subscribe registers a channel that receives connectivity events. Delivery
// is best effort: a subscriber that is not draining misses events rather
// than blocking the monitor.
func (m *Monitor) Subscribe() <-chan Event {
	ch := make(chan Event, 8)
	m.mu.Lock()
	m.subscribers = append(m.subscribers, ch)
	m.mu.Unlock()
	return ch
}

// Kick requests an immediate probe, skipping the remainder of the current
// poll interval. Used by the netlink listener on interface hotplug and by
// the manual sync API.
func (m *Monitor) Kick() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// Start launches the probe loop. The monitor begins offline; the first
// successful probe pair separated by the dwell window flips it online.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.running = true
	m.stop = cancel
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	go func() {
		defer close(done)
		m.loop(ctx)
	}()
}

// Stop halts the probe loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	stop := m.stop
	done := m.done
	m.running = false
	m.mu.Unlock()

	stop()
	<-done
}

func (m *Monitor) loop(ctx context.Context) {
	// firstSuccess tracks the start of a candidate online window while we
	// are offline. The transition only commits once probes keep succeeding
	// for the full dwell duration.
	var firstSuccess time.Time

	for {
		err := m.prober.Probe(ctx)
		now := time.Now().UTC()

		if ctx.Err() != nil {
			return
		}

		online := m.Online()
		switch {
		case err == nil && online:
			m.publish(Event{Kind: EventTick, At: now})
		case err == nil && !online:
			if firstSuccess.IsZero() {
				firstSuccess = now
			}
			if now.Sub(firstSuccess) >= m.dwell {
				m.setOnline(true, now)
				firstSuccess = time.Time{}
			}
		case err != nil && online:
			m.logger.Info("connectivity lost",
				logging.Error(err),
				logging.String(logging.FieldEventType, "connectivity_offline"),
			)
			m.setOnline(false, now)
			firstSuccess = time.Time{}
		default:
			firstSuccess = time.Time{}
		}

		if !m.sleep(ctx, m.nextDelay(firstSuccess)) {
			return
		}
	}
}

// nextDelay picks the wait before the next probe. While verifying a
// candidate online window we re-probe at the dwell boundary instead of the
// coarser offline poll interval so the edge lands promptly.
func (m *Monitor) nextDelay(firstSuccess time.Time) time.Duration {
	if m.Online() {
		return m.onlineTick
	}
	if !firstSuccess.IsZero() && m.dwell < m.offlinePoll {
		return m.dwell
	}
	return m.offlinePoll
}

func (m *Monitor) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-m.kick:
		return true
	case <-timer.C:
		return true
	}
}

func (m *Monitor) setOnline(online bool, at time.Time) {
	m.mu.Lock()
	changed := m.online != online
	m.online = online
	if changed {
		m.lastChange = at
	}
	m.mu.Unlock()

	if !changed {
		return
	}

	if online {
		m.logger.Info("connectivity restored",
			logging.String(logging.FieldEventType, "connectivity_online"),
		)
		m.publish(Event{Kind: EventOnline, At: at})
	} else {
		m.publish(Event{Kind: EventOffline, At: at})
	}
}

func (m *Monitor) publish(event Event) {
	m.mu.Lock()
	subscribers := make([]chan Event, len(m.subscribers))
	copy(subscribers, m.subscribers)
	m.mu.Unlock()

	for _, ch := range subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}
