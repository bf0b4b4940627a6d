//go:build !linux

package rtp

// BoundUDPPorts на платформах без /proc список занятых портов недоступен.
// Конфликт обнаружится при открытии сокета канала.
func BoundUDPPorts() (map[int]struct{}, error) {
	return map[int]struct{}{}, nil
}
