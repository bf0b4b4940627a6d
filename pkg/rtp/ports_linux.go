//go:build linux

package rtp

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

var procUDPTables = []string{"/proc/net/udp", "/proc/net/udp6"}

// BoundUDPPorts возвращает множество UDP портов, занятых в системе
func BoundUDPPorts() (map[int]struct{}, error) {
	ports := make(map[int]struct{})
	read := 0
	for _, path := range procUDPTables {
		f, err := os.Open(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("ошибка чтения %s: %w", path, err)
		}
		err = parseProcUDP(bufio.NewScanner(f), ports)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("ошибка разбора %s: %w", path, err)
		}
		read++
	}
	if read == 0 {
		return nil, fmt.Errorf("таблицы UDP сокетов недоступны")
	}
	return ports, nil
}

// parseProcUDP разбирает строки вида "  0: 00000000:5208 00000000:0000 07 ..."
func parseProcUDP(sc *bufio.Scanner, ports map[int]struct{}) error {
	first := true
	for sc.Scan() {
		if first {
			first = false
			continue
		}
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 {
			continue
		}
		local := fields[1]
		i := strings.LastIndexByte(local, ':')
		if i < 0 {
			continue
		}
		port, err := strconv.ParseUint(local[i+1:], 16, 16)
		if err != nil {
			continue
		}
		ports[int(port)] = struct{}{}
	}
	return sc.Err()
}
