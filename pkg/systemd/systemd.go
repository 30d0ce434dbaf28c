// Package systemd speaks the sd_notify protocol to the service manager.
// Outside systemd (NOTIFY_SOCKET unset) every call is a no-op.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "taskpulse/pkg/logx"
)

// Notifier sends state updates. The zero value is not usable; use New.
type Notifier struct {
	log      logx.Logger
	notify   func(state string) (bool, error)
	watchdog func() (time.Duration, error)
}

type Option func(*Notifier)

// WithTransport replaces the socket calls (tests).
func WithTransport(notify func(state string) (bool, error), watchdog func() (time.Duration, error)) Option {
	return func(n *Notifier) {
		if notify != nil {
			n.notify = notify
		}
		if watchdog != nil {
			n.watchdog = watchdog
		}
	}
}

func New(log logx.Logger, opts ...Option) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	n := &Notifier{
		log:      log,
		notify:   func(state string) (bool, error) { return daemon.SdNotify(false, state) },
		watchdog: func() (time.Duration, error) { return daemon.SdWatchdogEnabled(false) },
	}
	for _, o := range opts {
		o(n)
	}
	return n
}

func (n *Notifier) send(state string) bool {
	sent, err := n.notify(state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return false
	}
	if sent {
		n.log.Debug("sd_notify sent", logx.String("state", state))
	}
	return sent
}

func (n *Notifier) Ready() bool     { return n.send(daemon.SdNotifyReady) }
func (n *Notifier) Stopping() bool  { return n.send(daemon.SdNotifyStopping) }
func (n *Notifier) Reloading() bool { return n.send(daemon.SdNotifyReloading) }

// Status sets the free-form status line shown by systemctl status.
func (n *Notifier) Status(s string) bool { return n.send("STATUS=" + s) }

// Watchdog pings WATCHDOG=1 at half the configured interval until ctx is
// done. It returns immediately when the unit has no WatchdogSec.
func (n *Notifier) Watchdog(ctx context.Context) error {
	every, err := n.watchdog()
	if err != nil {
		n.log.Warn("sd watchdog lookup failed", logx.Err(err))
		return nil
	}
	if every <= 0 {
		return nil
	}
	t := time.NewTicker(every / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			n.send(daemon.SdNotifyWatchdog)
		}
	}
}
