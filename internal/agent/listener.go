package agent

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// Listen binds a TCP listener with SO_REUSEPORT so every worker in the pool
// can accept on the same address and the kernel spreads connections.
func Listen(ctx context.Context, address string) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
			if err != nil {
				return err
			}
			if sockErr != nil {
				return fmt.Errorf("setsockopt SO_REUSEPORT: %w", sockErr)
			}
			return nil
		},
	}
	return lc.Listen(ctx, "tcp", address)
}
