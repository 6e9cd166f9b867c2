// Package systemd reports service state to systemd over the notify socket.
// Every call is a no-op returning false when the process was not started by
// systemd with Type=notify (NOTIFY_SOCKET unset).
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

func Ready() (bool, error) { return daemon.SdNotify(false, daemon.SdNotifyReady) }

func Stopping() (bool, error) { return daemon.SdNotify(false, daemon.SdNotifyStopping) }

func Reloading() (bool, error) { return daemon.SdNotify(false, daemon.SdNotifyReloading) }

// Status sets the free-form status line shown by systemctl status.
func Status(msg string) (bool, error) { return daemon.SdNotify(false, "STATUS="+msg) }

// WatchdogInterval returns WatchdogSec for this process, or 0 when disabled.
func WatchdogInterval() (time.Duration, error) { return daemon.SdWatchdogEnabled(false) }

// RunWatchdog pings the watchdog at half the configured interval while
// healthy reports true. It returns immediately when the watchdog is disabled.
func RunWatchdog(ctx context.Context, healthy func() bool) error {
	every, err := WatchdogInterval()
	if err != nil || every <= 0 {
		return err
	}
	t := time.NewTicker(every / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if healthy != nil && !healthy() {
				continue
			}
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				return err
			}
		}
	}
}
