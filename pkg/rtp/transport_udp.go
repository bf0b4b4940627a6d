package rtp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/rtp"
)

const (
	// MinRTPPacketSize минимальный размер RTP заголовка
	MinRTPPacketSize = 12
	// ExpectedRTPVersion RFC 3550: версия RTP должна быть 2
	ExpectedRTPVersion = 2

	// DefaultBufferSize размер буфера чтения датаграммы
	DefaultBufferSize = 2048

	readPollInterval = 100 * time.Millisecond
)

// errReadTimeout истек интервал опроса сокета, данных нет
var errReadTimeout = errors.New("таймаут чтения")

// TransportConfig параметры UDP сокета
type TransportConfig struct {
	LocalAddr         string
	BufferSize        int // размер буфера одной датаграммы
	ReceiveBufferSize int // SO_RCVBUF, 0 оставляет системное значение
}

// UDPTransport принимающий UDP сокет медиаканала
type UDPTransport struct {
	conn   *net.UDPConn
	config TransportConfig

	active bool
	mutex  sync.RWMutex
}

// NewUDPTransport открывает UDP сокет на локальном адресе
func NewUDPTransport(config TransportConfig) (*UDPTransport, error) {
	if config.BufferSize == 0 {
		config.BufferSize = DefaultBufferSize
	}

	localAddr, err := net.ResolveUDPAddr("udp", config.LocalAddr)
	if err != nil {
		return nil, fmt.Errorf("ошибка разрешения локального адреса: %w", err)
	}

	conn, err := net.ListenUDP("udp", localAddr)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания UDP соединения: %w", err)
	}

	if err := setSockOptForMedia(conn, config.ReceiveBufferSize); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ошибка настройки сокета: %w", err)
	}

	return &UDPTransport{
		conn:   conn,
		config: config,
		active: true,
	}, nil
}

// ReceiveDatagram читает одну датаграмму.
// Чтение ограничено интервалом опроса, чтобы цикл мог проверять контекст.
func (t *UDPTransport) ReceiveDatagram(ctx context.Context) ([]byte, *net.UDPAddr, error) {
	t.mutex.RLock()
	active := t.active
	conn := t.conn
	bufferSize := t.config.BufferSize
	t.mutex.RUnlock()

	if !active {
		return nil, nil, net.ErrClosed
	}

	select {
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	default:
	}

	buffer := make([]byte, bufferSize)
	conn.SetReadDeadline(time.Now().Add(readPollInterval))

	n, addr, err := conn.ReadFromUDP(buffer)
	if err != nil {
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		default:
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, nil, errReadTimeout
		}
		return nil, nil, fmt.Errorf("ошибка чтения UDP: %w", err)
	}
	return buffer[:n], addr, nil
}

// Receive читает и разбирает RTP пакет
func (t *UDPTransport) Receive(ctx context.Context) (*rtp.Packet, *net.UDPAddr, error) {
	data, addr, err := t.ReceiveDatagram(ctx)
	if err != nil {
		return nil, nil, err
	}

	if len(data) < MinRTPPacketSize {
		return nil, addr, fmt.Errorf("пакет слишком мал: %d байт (минимум %d)", len(data), MinRTPPacketSize)
	}

	packet := &rtp.Packet{}
	if err := packet.Unmarshal(data); err != nil {
		return nil, addr, fmt.Errorf("ошибка демаршалинга RTP пакета: %w", err)
	}
	if err := validateRTPHeader(&packet.Header); err != nil {
		return nil, addr, fmt.Errorf("невалидный RTP заголовок: %w", err)
	}
	return packet, addr, nil
}

// WriteTo отправляет датаграмму на адрес
func (t *UDPTransport) WriteTo(data []byte, addr *net.UDPAddr) error {
	t.mutex.RLock()
	active := t.active
	conn := t.conn
	t.mutex.RUnlock()

	if !active {
		return net.ErrClosed
	}
	if addr == nil {
		return fmt.Errorf("удаленный адрес не установлен")
	}
	if _, err := conn.WriteToUDP(data, addr); err != nil {
		return fmt.Errorf("ошибка записи UDP: %w", err)
	}
	return nil
}

// LocalAddr возвращает локальный адрес
func (t *UDPTransport) LocalAddr() *net.UDPAddr {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	if t.conn == nil {
		return nil
	}
	addr, _ := t.conn.LocalAddr().(*net.UDPAddr)
	return addr
}

// Close закрывает сокет, повторный вызов ничего не делает
func (t *UDPTransport) Close() error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if !t.active {
		return nil
	}
	t.active = false

	if t.conn != nil {
		return t.conn.Close()
	}
	return nil
}

// IsActive проверяет активность транспорта
func (t *UDPTransport) IsActive() bool {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return t.active
}

// setSockOptForMedia настраивает сокет под поток видео: переиспользование адреса и размер приемного буфера
func setSockOptForMedia(conn *net.UDPConn, receiveBuffer int) error {
	rawConn, err := conn.SyscallConn()
	if err != nil {
		return err
	}

	var sockErr error
	err = rawConn.Control(func(fd uintptr) {
		if err := setSockOptReuseAddr(fd); err != nil {
			sockErr = err
			return
		}
		if receiveBuffer > 0 {
			// ядро может урезать значение, это не ошибка
			_ = setSockOptRecvBuffer(fd, receiveBuffer)
		}
	})
	if err != nil {
		return err
	}
	return sockErr
}

// validateRTPHeader проверяет корректность RTP заголовка согласно RFC 3550
func validateRTPHeader(header *rtp.Header) error {
	if header.Version != ExpectedRTPVersion {
		return fmt.Errorf("неподдерживаемая версия RTP: %d (ожидается %d)", header.Version, ExpectedRTPVersion)
	}
	if header.PayloadType > 127 {
		return fmt.Errorf("невалидный payload type: %d (максимум 127)", header.PayloadType)
	}
	return nil
}
