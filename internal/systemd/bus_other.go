//go:build !linux

package systemd

import (
	"context"

	"github.com/juju/errors"
)

func dialSystemBus(context.Context) (dbusConn, error) {
	return nil, errors.NotSupportedf("systemd D-Bus on this platform")
}
