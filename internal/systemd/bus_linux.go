//go:build linux

package systemd

import (
	"context"

	"github.com/coreos/go-systemd/v22/dbus"
)

func dialSystemBus(ctx context.Context) (dbusConn, error) {
	return dbus.NewSystemConnectionContext(ctx)
}
