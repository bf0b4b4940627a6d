//go:build !windows

package rtp

import (
	"golang.org/x/sys/unix"
)

// setSockOptReuseAddr включает SO_REUSEADDR, чтобы порт освобождался сразу после закрытия канала
func setSockOptReuseAddr(fd uintptr) error {
	return unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
}

// setSockOptRecvBuffer задает размер приемного буфера сокета
func setSockOptRecvBuffer(fd uintptr, size int) error {
	return unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, size)
}
