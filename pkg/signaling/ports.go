package signaling

import (
	"errors"
	"fmt"
	"sync"

	"github.com/arzzra/gb_gateway/pkg/rtp"
)

const (
	DefaultMediaPortStart = 21000
	DefaultMediaPortEnd   = 23000
)

// ErrNoFreePorts в диапазоне нет свободной пары портов
var ErrNoFreePorts = errors.New("нет свободной пары медиа портов")

// BoundPortsFunc возвращает множество занятых UDP портов
type BoundPortsFunc func() (map[int]struct{}, error)

// PortAllocator выдает пары портов RTP/RTCP из диапазона [start, end].
// Курсор сдвигается за выданный порт управления, поэтому последовательные пары не пересекаются,
// даже если сокеты еще не открыты.
type PortAllocator struct {
	mu     sync.Mutex
	start  int
	end    int
	cursor int
	bound  BoundPortsFunc
}

// NewPortAllocator создает распределитель. bound по умолчанию читает занятые порты системы.
func NewPortAllocator(start, end int, bound BoundPortsFunc) (*PortAllocator, error) {
	if start <= 0 || end > 65535 || start >= end {
		return nil, fmt.Errorf("некорректный диапазон медиа портов %d..%d", start, end)
	}
	if bound == nil {
		bound = rtp.BoundUDPPorts
	}
	return &PortAllocator{start: start, end: end, cursor: start, bound: bound}, nil
}

// Allocate возвращает первый свободный порт от курсора и следующий свободный после него
func (a *PortAllocator) Allocate() (rtpPort, rtcpPort int, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	busy, err := a.bound()
	if err != nil {
		return 0, 0, fmt.Errorf("ошибка получения занятых портов: %w", err)
	}
	free := func(p int) bool {
		_, used := busy[p]
		return !used
	}

	size := a.end - a.start + 1
	for i := 0; i < size; i++ {
		candidate := a.start + (a.cursor-a.start+i)%size
		if candidate >= a.end || !free(candidate) {
			continue
		}
		for ctrl := candidate + 1; ctrl <= a.end; ctrl++ {
			if free(ctrl) {
				a.cursor = ctrl + 1
				if a.cursor >= a.end {
					a.cursor = a.start
				}
				return candidate, ctrl, nil
			}
		}
	}
	return 0, 0, fmt.Errorf("%w в диапазоне %d..%d", ErrNoFreePorts, a.start, a.end)
}

// Range возвращает границы диапазона
func (a *PortAllocator) Range() (start, end int) {
	return a.start, a.end
}
