package connectivity

import (
	"context"
	"log/slog"
	"sync"

	"github.com/pilebones/go-udev/netlink"

	"sitesync/internal/config"
	"sitesync/internal/logging"
)

// NetlinkListener watches kernel uevents for network interface changes and
// kicks the connectivity monitor so a freshly plugged interface is probed
// immediately instead of on the next poll tick.
type NetlinkListener struct {
	logger  *slog.Logger
	monitor *Monitor

	mu      sync.Mutex
	conn    *netlink.UEventConn
	quit    chan struct{}
	running bool
}

// NewNetlinkListener creates a listener bound to the given monitor. Returns
// nil when netlink events are disabled in configuration.
func NewNetlinkListener(cfg *config.Config, logger *slog.Logger, monitor *Monitor) *NetlinkListener {
	if cfg == nil || !cfg.Connectivity.NetlinkEvents || monitor == nil {
		return nil
	}
	return &NetlinkListener{
		logger:  logging.NewComponentLogger(logger, "netlink"),
		monitor: monitor,
	}
}

// Start begins listening for udev netlink events. A failure to open the
// netlink socket is not fatal; connectivity then relies on polling alone.
func (l *NetlinkListener) Start(ctx context.Context) error {
	if l == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running {
		return nil
	}

	conn := new(netlink.UEventConn)
	if err := conn.Connect(netlink.UdevEvent); err != nil {
		l.logger.Warn("failed to connect to netlink socket; falling back to polling only",
			logging.Error(err),
			logging.String(logging.FieldEventType, "netlink_connect_failed"),
			logging.String(logging.FieldErrorHint, "ensure the daemon has permission to open netlink sockets"),
		)
		return nil
	}

	l.conn = conn
	l.quit = make(chan struct{})
	l.running = true

	quit := l.quit
	go l.listen(ctx, quit)

	l.logger.Info("netlink listener started",
		logging.String(logging.FieldEventType, "netlink_listener_started"),
	)
	return nil
}

// Stop shuts down the listener.
func (l *NetlinkListener) Stop() {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.running {
		return
	}

	if l.quit != nil {
		close(l.quit)
		l.quit = nil
	}
	if l.conn != nil {
		_ = l.conn.Close()
		l.conn = nil
	}
	l.running = false
}

// Running reports whether the listener is active.
func (l *NetlinkListener) Running() bool {
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

func (l *NetlinkListener) listen(ctx context.Context, quit <-chan struct{}) {
	queue := make(chan netlink.UEvent)
	errs := make(chan error)

	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return
	}

	monitorQuit := conn.Monitor(queue, errs, l.buildMatcher())

	for {
		select {
		case <-ctx.Done():
			close(monitorQuit)
			return
		case <-quit:
			close(monitorQuit)
			return
		case uevent := <-queue:
			l.handleEvent(uevent)
		case err := <-errs:
			l.logger.Warn("netlink listener error",
				logging.Error(err),
				logging.String(logging.FieldEventType, "netlink_listener_error"),
			)
		}
	}
}

// buildMatcher matches add/change/move events on the net subsystem, which
// covers interface hotplug, rename, and carrier-relevant state changes.
func (l *NetlinkListener) buildMatcher() netlink.Matcher {
	action := "add|change|move"
	rules := &netlink.RuleDefinitions{}
	rules.AddRule(netlink.RuleDefinition{
		Action: &action,
		Env: map[string]string{
			"SUBSYSTEM": "net",
		},
	})
	return rules
}

func (l *NetlinkListener) handleEvent(uevent netlink.UEvent) {
	iface := uevent.Env["INTERFACE"]
	if iface == "" {
		iface = uevent.KObj
	}
	l.logger.Debug("network interface event",
		logging.String("interface", iface),
		logging.String("action", string(uevent.Action)),
	)
	l.monitor.Kick()
}
