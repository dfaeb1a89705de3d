// Package systemd reports service state to the systemd service manager over
// the sd_notify protocol. Outside a Type=notify unit every call is a no-op.
package systemd

import (
	"context"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "mailrelay/pkg/logx"
)

type Notifier struct {
	log     logx.Logger
	enabled bool
	sent    atomic.Uint64
}

func NewNotifier(log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notifier{
		log:     log.With(logx.String("comp", "systemd")),
		enabled: strings.TrimSpace(os.Getenv("NOTIFY_SOCKET")) != "",
	}
}

// Enabled reports whether a notify socket was configured.
func (n *Notifier) Enabled() bool { return n != nil && n.enabled }

func (n *Notifier) Ready()     { n.send(daemon.SdNotifyReady) }
func (n *Notifier) Stopping()  { n.send(daemon.SdNotifyStopping) }
func (n *Notifier) Reloading() { n.send(daemon.SdNotifyReloading) }

// Status sets the free-form status line shown by systemctl status.
func (n *Notifier) Status(s string) {
	s = strings.ReplaceAll(strings.TrimSpace(s), "\n", " ")
	if s == "" {
		return
	}
	n.send("STATUS=" + s)
}

// Sent returns how many notifications were delivered to the socket.
func (n *Notifier) Sent() uint64 { return n.sent.Load() }

func (n *Notifier) send(state string) {
	if !n.Enabled() {
		return
	}
	ok, err := daemon.SdNotify(false, state)
	if err != nil {
		n.log.Debug("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if ok {
		n.sent.Add(1)
	}
}

// RunWatchdog pings the watchdog at half the configured WatchdogSec until ctx
// is done. It returns immediately when the unit has no watchdog.
func (n *Notifier) RunWatchdog(ctx context.Context) error {
	if !n.Enabled() {
		return nil
	}
	every, err := daemon.SdWatchdogEnabled(false)
	if err != nil || every <= 0 {
		return err
	}
	n.log.Debug("systemd watchdog enabled", logx.Duration("interval", every))
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
