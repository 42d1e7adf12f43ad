//go:build windows

package transport

import (
	"syscall"

	"golang.org/x/sys/windows"
)

func setSocketOptions(c syscall.RawConn, opts UDPOptions) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		h := windows.Handle(fd)
		if opts.ReuseAddr {
			if sockErr = windows.SetsockoptInt(h, windows.SOL_SOCKET, windows.SO_REUSEADDR, 1); sockErr != nil {
				return
			}
		}
		if opts.ReadBuffer > 0 {
			if sockErr = windows.SetsockoptInt(h, windows.SOL_SOCKET, windows.SO_RCVBUF, opts.ReadBuffer); sockErr != nil {
				return
			}
		}
		if opts.WriteBuffer > 0 {
			sockErr = windows.SetsockoptInt(h, windows.SOL_SOCKET, windows.SO_SNDBUF, opts.WriteBuffer)
		}
	})
	if err != nil {
		return err
	}
	return sockErr
}
