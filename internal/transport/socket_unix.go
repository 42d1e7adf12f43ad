//go:build !windows

package transport

import (
	"syscall"

	"golang.org/x/sys/unix"
)

func setSocketOptions(c syscall.RawConn, opts UDPOptions) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		if opts.ReuseAddr {
			if sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); sockErr != nil {
				return
			}
		}
		if opts.ReadBuffer > 0 {
			if sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, opts.ReadBuffer); sockErr != nil {
				return
			}
		}
		if opts.WriteBuffer > 0 {
			sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, opts.WriteBuffer)
		}
	})
	if err != nil {
		return err
	}
	return sockErr
}
