package protocol

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Socket описание медиа сокета вида "192.168.10.250 UDP 5000"
type Socket struct {
	IP    string
	Proto string
	Port  int
}

// ParseSocket разбирает описание сокета. Поля разделены пробелами, лишние игнорируются.
func ParseSocket(s string) (Socket, error) {
	fields := strings.Fields(s)
	if len(fields) < 3 {
		return Socket{}, fmt.Errorf("%w: %q", ErrInvalidSocket, s)
	}
	if net.ParseIP(fields[0]) == nil {
		return Socket{}, fmt.Errorf("%w: адрес %q", ErrInvalidSocket, fields[0])
	}
	port, err := strconv.Atoi(fields[2])
	if err != nil || port <= 0 || port > 65535 {
		return Socket{}, fmt.Errorf("%w: порт %q", ErrInvalidSocket, fields[2])
	}
	return Socket{IP: fields[0], Proto: strings.ToUpper(fields[1]), Port: port}, nil
}

func (s Socket) String() string {
	proto := s.Proto
	if proto == "" {
		proto = "UDP"
	}
	return fmt.Sprintf("%s %s %d", s.IP, proto, s.Port)
}

// RTPAddr адрес RTP
func (s Socket) RTPAddr() string {
	return net.JoinHostPort(s.IP, strconv.Itoa(s.Port))
}

// RTCPAddr адрес RTCP: следующий порт после RTP
func (s Socket) RTCPAddr() string {
	return net.JoinHostPort(s.IP, strconv.Itoa(s.Port+1))
}
