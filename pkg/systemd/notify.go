// Package systemd reports service state to systemd over the notify socket.
package systemd

import (
	"github.com/coreos/go-systemd/v22/daemon"

	logx "cronyaml/pkg/logx"
)

// Notifier sends sd_notify state changes. Without NOTIFY_SOCKET every call is
// a no-op.
type Notifier struct {
	log  logx.Logger
	send func(unsetEnvironment bool, state string) (bool, error)
}

func NewNotifier(log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notifier{log: log, send: daemon.SdNotify}
}

func (n *Notifier) Ready()     { n.notify(daemon.SdNotifyReady) }
func (n *Notifier) Reloading() { n.notify(daemon.SdNotifyReloading) }
func (n *Notifier) Stopping()  { n.notify(daemon.SdNotifyStopping) }

// Status sets the free-form status line shown by systemctl status.
func (n *Notifier) Status(msg string) { n.notify("STATUS=" + msg) }

func (n *Notifier) notify(state string) {
	if n == nil || n.send == nil {
		return
	}
	sent, err := n.send(false, state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		n.log.Debug("sd_notify", logx.String("state", state))
	}
}
