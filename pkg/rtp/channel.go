package rtp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
)

// DefaultClockRate частота RTP часов видео
const DefaultClockRate = 90000

// PayloadHandler получает полезную нагрузку каждого принятого RTP пакета
type PayloadHandler func(payload []byte, header *rtp.Header)

// ChannelConfig параметры медиаканала
type ChannelConfig struct {
	DeviceID          string
	LocalIP           string
	RTPPort           int
	RTCPPort          int
	SSRC              uint32
	ClockRate         uint32
	BufferSize        int
	ReceiveBufferSize int
}

// ChannelStats снимок счетчиков канала
type ChannelStats struct {
	PacketsReceived uint32
	OctetsReceived  uint32
	PacketsDropped  uint32
	ReportsSent     uint32
	ReportsFailed   uint32
	LastReportSent  time.Time
	LastRemote      *RemoteReport
}

// Channel принимает RTP на одном порту и обслуживает RTCP на втором.
// После Close канал не переиспользуется, для нового потока создается новый экземпляр.
type Channel struct {
	cfg     ChannelConfig
	handler PayloadHandler
	logger  *slog.Logger

	rtpTransport  *UDPTransport
	rtcpTransport *UDPTransport

	mu         sync.Mutex
	remoteRTCP *net.UDPAddr
	stats      ChannelStats
	startedAt  time.Time

	reporting atomic.Bool
	closed    atomic.Bool
	started   atomic.Bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewChannel открывает сокеты RTP и RTCP
func NewChannel(cfg ChannelConfig, handler PayloadHandler) (*Channel, error) {
	if cfg.ClockRate == 0 {
		cfg.ClockRate = DefaultClockRate
	}
	if cfg.RTPPort <= 0 || cfg.RTCPPort <= 0 {
		return nil, newChannelError(ErrorCodeBindFailed, cfg.DeviceID,
			fmt.Sprintf("некорректная пара портов %d/%d", cfg.RTPPort, cfg.RTCPPort), nil)
	}

	rtpTransport, err := NewUDPTransport(TransportConfig{
		LocalAddr:         net.JoinHostPort(cfg.LocalIP, strconv.Itoa(cfg.RTPPort)),
		BufferSize:        cfg.BufferSize,
		ReceiveBufferSize: cfg.ReceiveBufferSize,
	})
	if err != nil {
		return nil, newChannelError(ErrorCodeBindFailed, cfg.DeviceID, "не удалось открыть RTP порт", err)
	}

	rtcpTransport, err := NewUDPTransport(TransportConfig{
		LocalAddr:  net.JoinHostPort(cfg.LocalIP, strconv.Itoa(cfg.RTCPPort)),
		BufferSize: cfg.BufferSize,
	})
	if err != nil {
		rtpTransport.Close()
		return nil, newChannelError(ErrorCodeBindFailed, cfg.DeviceID, "не удалось открыть RTCP порт", err)
	}

	return &Channel{
		cfg:           cfg,
		handler:       handler,
		logger:        slog.Default().With(slog.String("component", "rtp_channel"), slog.String("device_id", cfg.DeviceID)),
		rtpTransport:  rtpTransport,
		rtcpTransport: rtcpTransport,
	}, nil
}

// Start запускает циклы приема. Повторный вызов игнорируется.
func (c *Channel) Start(ctx context.Context) error {
	if c.closed.Load() {
		return newChannelError(ErrorCodeChannelClosed, c.cfg.DeviceID, "канал закрыт", nil)
	}
	if !c.started.CompareAndSwap(false, true) {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.startedAt = time.Now()
	c.mu.Unlock()

	channelsActive.Inc()
	c.wg.Add(2)
	go c.receiveRTP(ctx)
	go c.receiveRTCP(ctx)

	c.logger.Debug("Медиаканал запущен",
		slog.Int("rtp_port", c.cfg.RTPPort),
		slog.Int("rtcp_port", c.cfg.RTCPPort))
	return nil
}

// SetRemoteRTCP задает адрес, на который отправляются Sender Report
func (c *Channel) SetRemoteRTCP(addr string) error {
	remote, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return newChannelError(ErrorCodeRemoteInvalid, c.cfg.DeviceID, "некорректный адрес RTCP", err)
	}
	c.mu.Lock()
	c.remoteRTCP = remote
	c.mu.Unlock()
	return nil
}

// RemoteRTCP возвращает известный адрес RTCP устройства
func (c *Channel) RemoteRTCP() *net.UDPAddr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteRTCP
}

// Ports возвращает пару локальных портов
func (c *Channel) Ports() (rtpPort, rtcpPort int) {
	return c.cfg.RTPPort, c.cfg.RTCPPort
}

// Stats возвращает снимок счетчиков
func (c *Channel) Stats() ChannelStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// IsClosed сообщает, закрыт ли канал
func (c *Channel) IsClosed() bool {
	return c.closed.Load()
}

// Close останавливает прием и закрывает сокеты. Повторный вызов ничего не делает.
// Нельзя вызывать из PayloadHandler: Close дожидается завершения циклов приема.
func (c *Channel) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	errRTP := c.rtpTransport.Close()
	errRTCP := c.rtcpTransport.Close()
	c.wg.Wait()

	if c.started.Load() {
		channelsActive.Dec()
	}
	c.logger.Debug("Медиаканал закрыт")
	return errors.Join(errRTP, errRTCP)
}

func (c *Channel) receiveRTP(ctx context.Context) {
	defer c.wg.Done()

	for {
		packet, addr, err := c.rtpTransport.Receive(ctx)
		if err != nil {
			if c.stopped(ctx, err) {
				return
			}
			if errors.Is(err, errReadTimeout) {
				continue
			}
			c.mu.Lock()
			c.stats.PacketsDropped++
			c.mu.Unlock()
			packetsDropped.Inc()
			c.logger.Debug("Отброшен RTP пакет", slog.Any("error", err), slog.Any("from", addr))
			continue
		}

		if c.closed.Load() {
			return
		}

		c.mu.Lock()
		c.stats.PacketsReceived++
		c.stats.OctetsReceived += uint32(len(packet.Payload))
		c.mu.Unlock()
		packetsReceived.Inc()
		octetsReceived.Add(float64(len(packet.Payload)))

		if c.handler != nil && len(packet.Payload) > 0 {
			c.handler(packet.Payload, &packet.Header)
		}
	}
}

func (c *Channel) receiveRTCP(ctx context.Context) {
	defer c.wg.Done()

	for {
		data, _, err := c.rtcpTransport.ReceiveDatagram(ctx)
		if err != nil {
			if c.stopped(ctx, err) {
				return
			}
			if !errors.Is(err, errReadTimeout) {
				c.logger.Debug("Ошибка чтения RTCP", slog.Any("error", err))
			}
			continue
		}
		if c.closed.Load() {
			return
		}

		report, err := parseControl(data, time.Now())
		if err != nil {
			c.logger.Debug("Некорректный RTCP пакет", slog.Any("error", err))
		} else if report != nil {
			c.mu.Lock()
			c.stats.LastRemote = report
			c.mu.Unlock()
		}

		c.sendReport()
	}
}

// sendReport отправляет Sender Report асинхронно, если адрес устройства известен.
// Пока предыдущая отправка не завершилась, новый отчет не формируется.
func (c *Channel) sendReport() {
	c.mu.Lock()
	remote := c.remoteRTCP
	now := time.Now()
	state := ReportState{
		SSRC:    c.cfg.SSRC,
		Now:     now,
		RTPTime: uint32(now.Sub(c.startedAt).Seconds() * float64(c.cfg.ClockRate)),
		Packets: c.stats.PacketsReceived,
		Octets:  c.stats.OctetsReceived,
	}
	c.mu.Unlock()

	if remote == nil {
		return
	}
	if !c.reporting.CompareAndSwap(false, true) {
		return
	}

	data, err := BuildSenderReport(state)
	if err != nil {
		c.finishReport(now, err)
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.finishReport(now, c.rtcpTransport.WriteTo(data, remote))
	}()
}

// finishReport фиксирует результат отправки. Повтора нет: неудачный отчет пропускается.
func (c *Channel) finishReport(at time.Time, err error) {
	c.mu.Lock()
	if err != nil {
		c.stats.ReportsFailed++
	} else {
		c.stats.ReportsSent++
		c.stats.LastReportSent = at
	}
	c.mu.Unlock()
	c.reporting.Store(false)

	if err != nil {
		reportsSent.WithLabelValues("failed").Inc()
		c.logger.Warn("Не удалось отправить Sender Report",
			slog.Any("error", newChannelError(ErrorCodeReportFailed, c.cfg.DeviceID, "отправка RTCP", err)))
		return
	}
	reportsSent.WithLabelValues("sent").Inc()
}

func (c *Channel) stopped(ctx context.Context, err error) bool {
	if ctx.Err() != nil || c.closed.Load() {
		return true
	}
	return errors.Is(err, net.ErrClosed)
}
