// Package sdnotify reports service state to systemd when the process runs
// as a Type=notify unit. Outside systemd every call is a no-op.
package sdnotify

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "postwave/pkg/logx"
)

type Notifier struct {
	log     logx.Logger
	enabled bool
}

func New(enabled bool, log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notifier{log: log, enabled: enabled}
}

func (n *Notifier) Ready() { n.send(daemon.SdNotifyReady) }

func (n *Notifier) Stopping() { n.send(daemon.SdNotifyStopping) }

// Status sets the free-form STATUS= line shown by systemctl status.
func (n *Notifier) Status(s string) { n.send("STATUS=" + s) }

func (n *Notifier) send(state string) {
	if n == nil || !n.enabled {
		return
	}
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		n.log.Debug("sd_notify sent", logx.String("state", state))
	}
}

// Watchdog pings systemd at half the configured WatchdogSec until ctx ends.
// healthy is consulted before every ping; a false result skips the ping so
// systemd restarts a wedged process.
func (n *Notifier) Watchdog(ctx context.Context, healthy func() bool) {
	if n == nil || !n.enabled {
		return
	}
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if healthy != nil && !healthy() {
				n.log.Warn("watchdog ping skipped; unhealthy")
				continue
			}
			n.send(daemon.SdNotifyWatchdog)
		}
	}
}
