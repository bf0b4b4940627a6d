//go:build windows

package rtp

import (
	"golang.org/x/sys/windows"
)

// setSockOptReuseAddr на Windows SO_REUSEPORT нет, используется SO_REUSEADDR
func setSockOptReuseAddr(fd uintptr) error {
	return windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_REUSEADDR, 1)
}

// setSockOptRecvBuffer задает размер приемного буфера сокета
func setSockOptRecvBuffer(fd uintptr, size int) error {
	return windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_RCVBUF, size)
}
