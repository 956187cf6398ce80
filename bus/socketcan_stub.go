//go:build !linux

package bus

import (
	"context"
	"errors"
)

// ErrSocketCANUnsupported is returned on platforms without SocketCAN. The
// loopback bus and simulator remain available everywhere.
var ErrSocketCANUnsupported = errors.New("bus: socketcan requires linux")

// DialSocketCAN is unavailable off linux.
func DialSocketCAN(ctx context.Context, busName, device string, txDepth int) (Handle, error) {
	return nil, ErrSocketCANUnsupported
}
