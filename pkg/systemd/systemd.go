package systemd

import (
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Notifier sends sd_notify state updates. Every method is a no-op when the
// process was not started by systemd (NOTIFY_SOCKET unset).
type Notifier struct {
	enabled bool
}

func NewNotifier(enabled bool) *Notifier { return &Notifier{enabled: enabled} }

// Ready reports READY=1. sent is false when there is no notify socket.
func (n *Notifier) Ready() (sent bool, err error) { return n.notify(daemon.SdNotifyReady) }

// Stopping reports STOPPING=1.
func (n *Notifier) Stopping() (bool, error) { return n.notify(daemon.SdNotifyStopping) }

// Watchdog reports WATCHDOG=1.
func (n *Notifier) Watchdog() (bool, error) { return n.notify(daemon.SdNotifyWatchdog) }

// Status reports a free-form STATUS= line shown by systemctl status.
func (n *Notifier) Status(msg string) (bool, error) {
	return n.notify("STATUS=" + strings.ReplaceAll(msg, "\n", " "))
}

func (n *Notifier) notify(state string) (bool, error) {
	if n == nil || !n.enabled {
		return false, nil
	}
	return daemon.SdNotify(false, state)
}

// WatchdogInterval returns how often the service should ping the watchdog
// (half of WATCHDOG_USEC), or 0 when the watchdog is not enabled for this
// process.
func WatchdogInterval() (time.Duration, error) {
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil || d <= 0 {
		return 0, err
	}
	return d / 2, nil
}

// IsActive shells out to systemctl. It is the fallback used when the D-Bus
// connection is unavailable.
func IsActive(ctx context.Context, unit string) (bool, error) {
	cmd := exec.CommandContext(ctx, "systemctl", "is-active", NormalizeUnit(unit))
	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		// is-active returns non-zero when inactive; treat as not active
		return parseIsActive(out), nil
	}
	return parseIsActive(out), nil
}

func parseIsActive(out []byte) bool {
	return strings.TrimSpace(string(out)) == "active"
}

// NormalizeUnit appends ".service" to bare unit names.
func NormalizeUnit(unit string) string {
	unit = strings.TrimSpace(unit)
	if unit == "" {
		return ""
	}
	if i := strings.LastIndexByte(unit, '.'); i > 0 {
		switch unit[i+1:] {
		case "service", "socket", "timer", "target", "mount", "path", "slice", "scope", "device", "swap", "automount":
			return unit
		}
	}
	return unit + ".service"
}
