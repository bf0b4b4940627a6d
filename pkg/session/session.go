package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/looplab/fsm"
	pionrtp "github.com/pion/rtp"

	"github.com/arzzra/gb_gateway/pkg/protocol"
	"github.com/arzzra/gb_gateway/pkg/psdemux"
	"github.com/arzzra/gb_gateway/pkg/rtp"
	"github.com/arzzra/gb_gateway/pkg/signaling"
)

// Signaling часть ядра сигнализации, нужная сессии
type Signaling interface {
	Send(ctx context.Context, remote string, req *sip.Request) error
	AllocateMediaPorts() (rtpPort, rtcpPort int, err error)
	OnRequestInited(fn func(signaling.RequestEvent)) func()
	OnResponse(fn func(signaling.ResponseEvent)) func()
}

// Sink получает сегменты элементарного потока устройства
type Sink interface {
	WriteSegment(deviceID string, seg psdemux.Segment) error
	// CloseStream вызывается, когда поток устройства остановлен
	CloseStream(deviceID string) error
}

// Config параметры сессии устройства
type Config struct {
	DeviceID string
	Name     string
	// LocalIP адрес приема медиа. Пустой: адрес, на который устройство прислало первый запрос.
	LocalIP string
	// LocalID идентификатор шлюза, если в учетной записи устройства он не задан
	LocalID           string
	Realm             string
	UserAgent         string
	Charset           protocol.Charset
	MaxDemuxBuffer    int
	ReceiveBufferSize int
}

// Info снимок состояния сессии
type Info struct {
	DeviceID string `json:"device_id"`
	Name     string `json:"name,omitempty"`
	State    State  `json:"state"`
	Remote   string `json:"remote,omitempty"`
	Local    string `json:"local,omitempty"`
	CallID   string `json:"call_id,omitempty"`
	RTPPort  int    `json:"rtp_port,omitempty"`
	RTCPPort int    `json:"rtcp_port,omitempty"`
	// RemoteRTCP адрес RTCP устройства из ответа на INVITE
	RemoteRTCP string            `json:"remote_rtcp,omitempty"`
	Media      *rtp.ChannelStats `json:"media,omitempty"`
	Demux      *psdemux.Stats    `json:"demux,omitempty"`
}

// Session сессия одного устройства.
// opMu упорядочивает операции оператора, mu защищает состояние, которое читают обработчики ответов.
type Session struct {
	cfg    Config
	sig    Signaling
	sink   Sink
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	opMu sync.Mutex

	mu      sync.Mutex
	machine *fsm.FSM
	peer    *peer
	invite  *dialog
	channel *rtp.Channel
	demux   *psdemux.Demuxer
	queries map[string]protocol.Variable
	pending []Event
	closed  bool

	unsubInit     func()
	unsubResponse func()
	events        signaling.Observers[Event]
}

// New создает сессию и подписывает ее на события ядра
func New(cfg Config, sig Signaling, sink Sink) (*Session, error) {
	if cfg.DeviceID == "" {
		return nil, errors.New("не задан идентификатор устройства")
	}
	if sig == nil {
		return nil, errors.New("не задано ядро сигнализации")
	}
	if cfg.Charset == "" {
		cfg.Charset = protocol.CharsetGB18030
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:     cfg,
		sig:     sig,
		sink:    sink,
		logger:  slog.Default().With(slog.String("component", "session"), slog.String("device_id", cfg.DeviceID)),
		ctx:     ctx,
		cancel:  cancel,
		queries: make(map[string]protocol.Variable),
	}
	s.initStateMachine()
	sessionsByState.WithLabelValues(string(StateUninitialized)).Inc()

	s.unsubInit = sig.OnRequestInited(s.onRequestInited)
	s.unsubResponse = sig.OnResponse(s.onResponse)
	return s, nil
}

func (s *Session) initStateMachine() {
	s.machine = fsm.NewFSM(
		string(StateUninitialized),
		fsm.Events{
			{Name: eventInit, Src: []string{string(StateUninitialized)}, Dst: string(StateReady)},
			{Name: eventStream, Src: []string{string(StateReady), string(StateIdle)}, Dst: string(StateStreaming)},
			{Name: eventStop, Src: []string{string(StateStreaming)}, Dst: string(StateIdle)},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				s.handleStateChange(e)
			},
		},
	)
}

// handleStateChange вызывается автоматом под s.mu, события копятся до снятия блокировки
func (s *Session) handleStateChange(e *fsm.Event) {
	sessionsByState.WithLabelValues(e.Src).Dec()
	sessionsByState.WithLabelValues(e.Dst).Inc()
	s.logger.Debug("Смена состояния", slog.String("from", e.Src), slog.String("to", e.Dst))
	s.pending = append(s.pending, Event{Kind: EventState, State: State(e.Dst)})
}

// transition выполняет событие автомата. Вызывается под s.mu.
func (s *Session) transition(event string) error {
	if err := s.machine.Event(s.ctx, event); err != nil {
		var noTransition fsm.NoTransitionError
		if errors.As(err, &noTransition) {
			return nil
		}
		return fmt.Errorf("переход %s из %s: %w", event, s.machine.Current(), err)
	}
	return nil
}

// flush рассылает накопленные события. Вызывается без s.mu.
func (s *Session) flush() {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	state := State(s.machine.Current())
	s.mu.Unlock()

	for _, ev := range pending {
		ev.DeviceID = s.cfg.DeviceID
		if ev.State == "" {
			ev.State = state
		}
		if ev.At.IsZero() {
			ev.At = time.Now()
		}
		s.events.Emit(ev)
	}
}

func (s *Session) raise(ev Event) {
	s.mu.Lock()
	s.pending = append(s.pending, ev)
	s.mu.Unlock()
	s.flush()
}

// OnEvent подписка на события сессии
func (s *Session) OnEvent(fn func(Event)) func() {
	return s.events.Add(fn)
}

// DeviceID идентификатор устройства
func (s *Session) DeviceID() string {
	return s.cfg.DeviceID
}

// State текущее состояние
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State(s.machine.Current())
}

// Info возвращает снимок состояния
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := Info{
		DeviceID: s.cfg.DeviceID,
		Name:     s.cfg.Name,
		State:    State(s.machine.Current()),
	}
	if s.peer != nil {
		info.Remote, info.Local = s.peer.remote, s.peer.local
	}
	if s.invite != nil {
		info.CallID = s.invite.callID
	}
	if s.channel != nil {
		info.RTPPort, info.RTCPPort = s.channel.Ports()
		if addr := s.channel.RemoteRTCP(); addr != nil {
			info.RemoteRTCP = addr.String()
		}
		stats := s.channel.Stats()
		info.Media = &stats
	}
	if s.demux != nil {
		stats := s.demux.Stats()
		info.Demux = &stats
	}
	return info
}

// onRequestInited одноразовая подписка: первый запрос устройства переводит сессию в ready
func (s *Session) onRequestInited(ev signaling.RequestEvent) {
	if ev.DeviceID() != s.cfg.DeviceID {
		return
	}

	s.mu.Lock()
	if s.closed || s.machine.Current() != string(StateUninitialized) {
		s.mu.Unlock()
		return
	}

	p := &peer{local: ev.Local, remote: ev.Remote, localID: s.cfg.LocalID, account: ev.Account}
	if ev.Account != nil && ev.Account.LocalID != "" {
		p.localID = ev.Account.LocalID
	}
	s.peer = p
	err := s.transition(eventInit)
	if err == nil {
		s.pending = append(s.pending, Event{Kind: EventInited})
	}
	unsubscribe := s.unsubInit
	s.unsubInit = nil
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if err != nil {
		s.logger.Error("Ошибка инициализации сессии", slog.Any("error", err))
	} else {
		s.logger.Info("Устройство готово",
			slog.String("remote", ev.Remote),
			slog.String("local", ev.Local))
	}
	s.flush()
}

// ready возвращает адреса устройства либо поднимает Wait
func (s *Session) ready() (peer, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return peer{}, ErrClosed
	}
	if s.peer == nil || s.machine.Current() == string(StateUninitialized) {
		s.mu.Unlock()
		s.raise(Event{Kind: EventWait})
		return peer{}, ErrNotReady
	}
	p := *s.peer
	s.mu.Unlock()
	return p, nil
}

// RequestRealtimeVideo запрашивает живое видео. Действующий поток сначала останавливается.
func (s *Session) RequestRealtimeVideo(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	defer s.flush()

	p, err := s.ready()
	if err != nil {
		return err
	}

	if s.State() == StateStreaming {
		if err := s.cancelVideo(ctx, p); err != nil {
			s.logger.Warn("Ошибка остановки предыдущего потока", slog.Any("error", err))
		}
	}

	rtpPort, rtcpPort, err := s.sig.AllocateMediaPorts()
	if err != nil {
		return fmt.Errorf("ошибка выделения медиа портов: %w", err)
	}

	localIP := s.cfg.LocalIP
	if localIP == "" {
		if host, _, err := net.SplitHostPort(p.local); err == nil {
			localIP = host
		}
	}

	body, err := protocol.Marshal(protocol.NewRealVideo(s.cfg.DeviceID, protocol.Socket{
		IP:    localIP,
		Proto: "UDP",
		Port:  rtpPort,
	}), s.cfg.Charset)
	if err != nil {
		return err
	}

	d, err := s.newDialog(p, s.cfg.DeviceID)
	if err != nil {
		return err
	}
	req := s.buildRequest(sip.INVITE, p, d, d.cseq, body)

	s.mu.Lock()
	s.invite = d
	s.mu.Unlock()

	if err := s.sig.Send(ctx, p.remote, req); err != nil {
		s.mu.Lock()
		s.invite = nil
		s.mu.Unlock()
		return fmt.Errorf("ошибка отправки INVITE: %w", err)
	}

	demux := psdemux.New(s.cfg.MaxDemuxBuffer)
	channel, err := rtp.NewChannel(rtp.ChannelConfig{
		DeviceID:          s.cfg.DeviceID,
		LocalIP:           localIP,
		RTPPort:           rtpPort,
		RTCPPort:          rtcpPort,
		SSRC:              rand.Uint32(),
		ClockRate:         rtp.DefaultClockRate,
		ReceiveBufferSize: s.cfg.ReceiveBufferSize,
	}, s.payloadHandler(demux))
	if err == nil {
		err = channel.Start(s.ctx)
	}
	if err != nil {
		if channel != nil {
			_ = channel.Close()
		}
		// устройство уже получило INVITE, диалог закрывается
		_ = s.sig.Send(ctx, p.remote, s.buildBYE(p, d))
		s.mu.Lock()
		s.invite = nil
		s.mu.Unlock()
		return fmt.Errorf("ошибка открытия медиаканала: %w", err)
	}

	s.mu.Lock()
	if s.invite != d {
		// отказ пришел раньше, чем открылся канал
		s.mu.Unlock()
		_ = channel.Close()
		return fmt.Errorf("устройство отклонило запрос видео")
	}
	s.channel = channel
	s.demux = demux
	rtcpAddr := d.remoteRTCP
	err = s.transition(eventStream)
	s.mu.Unlock()

	if rtcpAddr != "" {
		if err := channel.SetRemoteRTCP(rtcpAddr); err != nil {
			s.logger.Warn("Некорректный адрес RTCP устройства", slog.Any("error", err))
		}
	}

	s.logger.Info("Запрошено видео",
		slog.String("call_id", d.callID),
		slog.Int("rtp_port", rtpPort),
		slog.Int("rtcp_port", rtcpPort))
	return err
}

// CancelRealtimeVideo останавливает поток. Без активного диалога ничего не отправляет.
func (s *Session) CancelRealtimeVideo(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	defer s.flush()

	p, err := s.ready()
	if err != nil {
		return err
	}
	return s.cancelVideo(ctx, p)
}

func (s *Session) cancelVideo(ctx context.Context, p peer) error {
	s.mu.Lock()
	d := s.invite
	channel := s.channel
	s.invite = nil
	s.channel = nil
	var stopErr error
	if s.machine.Can(eventStop) {
		stopErr = s.transition(eventStop)
	}
	s.mu.Unlock()

	var errs []error
	if channel != nil {
		if err := channel.Close(); err != nil {
			errs = append(errs, err)
		}
		if s.sink != nil {
			if err := s.sink.CloseStream(s.cfg.DeviceID); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if d != nil {
		if err := s.sig.Send(ctx, p.remote, s.buildBYE(p, d)); err != nil {
			errs = append(errs, fmt.Errorf("ошибка отправки BYE: %w", err))
		} else {
			s.logger.Info("Видео остановлено", slog.String("call_id", d.callID))
		}
	}
	if stopErr != nil {
		errs = append(errs, stopErr)
	}
	return errors.Join(errs...)
}

// QueryDevice запрашивает сведения об устройстве
func (s *Session) QueryDevice(ctx context.Context) error {
	return s.query(ctx, s.cfg.DeviceID, protocol.VariableDeviceInfo, func(peer) (any, error) {
		return protocol.NewDeviceQuery(), nil
	})
}

// QueryDirectory запрашивает каталог в диапазоне индексов. Значения <= 0 заменяются на 1..200.
func (s *Session) QueryDirectory(ctx context.Context, from, to int) error {
	return s.query(ctx, s.cfg.DeviceID, protocol.VariableItemList, func(p peer) (any, error) {
		address := s.cfg.DeviceID
		if p.account != nil && p.account.RemoteID != "" {
			address = p.account.RemoteID
		}
		return protocol.NewDeviceItemsQuery(address, from, to)
	})
}

func (s *Session) query(ctx context.Context, user string, variable protocol.Variable, build func(peer) (any, error)) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	p, err := s.ready()
	if err != nil {
		return err
	}

	msg, err := build(p)
	if err != nil {
		return err
	}
	body, err := protocol.Marshal(msg, s.cfg.Charset)
	if err != nil {
		return err
	}
	d, err := s.newDialog(p, user)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.queries[d.callID] = variable
	s.mu.Unlock()

	if err := s.sig.Send(ctx, p.remote, s.buildRequest(signaling.MethodDO, p, d, d.cseq, body)); err != nil {
		s.mu.Lock()
		delete(s.queries, d.callID)
		s.mu.Unlock()
		return fmt.Errorf("ошибка отправки запроса %s: %w", variable, err)
	}
	return nil
}

func (s *Session) onResponse(ev signaling.ResponseEvent) {
	s.mu.Lock()
	if s.invite != nil && s.invite.callID == ev.CallID {
		s.mu.Unlock()
		s.handleInviteResponse(ev)
		return
	}
	variable, ok := s.queries[ev.CallID]
	if ok {
		delete(s.queries, ev.CallID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	res := ev.Response
	if res.StatusCode >= 300 {
		s.logger.Warn("Устройство отклонило запрос",
			slog.String("variable", string(variable)),
			slog.Int("status", res.StatusCode))
		return
	}

	switch ev.Variable {
	case protocol.VariableDeviceInfo:
		info, err := protocol.ParseDeviceResponse(res.Body())
		if err != nil {
			s.logger.Warn("Некорректный ответ DeviceInfo", slog.Any("error", err))
			return
		}
		s.raise(Event{Kind: EventDeviceInfo, DeviceInfo: info})
	case protocol.VariableItemList:
		list, err := protocol.ParseDeviceItemsResponse(res.Body())
		if err != nil {
			s.logger.Warn("Некорректный ответ ItemList", slog.Any("error", err))
			return
		}
		s.raise(Event{Kind: EventItemList, Items: list})
	default:
		s.logger.Debug("Ответ без ожидаемого тела",
			slog.String("expected", string(variable)),
			slog.String("variable", string(ev.Variable)))
	}
}

// handleInviteResponse разбирает ответ на INVITE: 200 задает адрес RTCP устройства и подтверждается ACK
func (s *Session) handleInviteResponse(ev signaling.ResponseEvent) {
	res := ev.Response

	var rtcpAddr string
	if res.StatusCode < 300 && ev.Variable == protocol.VariableRealMedia {
		addr, err := remoteRTCPAddr(res.Body())
		if err != nil {
			s.logger.Warn("Не удалось определить адрес RTCP устройства", slog.Any("error", err))
		}
		rtcpAddr = addr
	}

	s.mu.Lock()
	d := s.invite
	channel := s.channel
	p := s.peer
	if d == nil || d.callID != ev.CallID || p == nil {
		s.mu.Unlock()
		return
	}

	if res.StatusCode >= 300 {
		s.invite = nil
		s.channel = nil
		if s.machine.Can(eventStop) {
			_ = s.transition(eventStop)
		}
		s.pending = append(s.pending, Event{Kind: EventStreamFailed, Error: fmt.Sprintf("%d %s", res.StatusCode, res.Reason)})
		s.mu.Unlock()

		if channel != nil {
			_ = channel.Close()
		}
		s.logger.Warn("Устройство отклонило INVITE", slog.Int("status", res.StatusCode))
		s.flush()
		return
	}

	d.toTag = toTag(res)
	if rtcpAddr != "" {
		// канал может еще не быть открыт: адрес применит RequestRealtimeVideo
		d.remoteRTCP = rtcpAddr
	}
	ack := s.buildACK(*p, d, res)
	remote := p.remote
	s.mu.Unlock()

	if channel != nil && rtcpAddr != "" {
		if err := channel.SetRemoteRTCP(rtcpAddr); err != nil {
			s.logger.Warn("Некорректный адрес RTCP устройства", slog.Any("error", err))
		}
	}

	if err := s.sig.Send(s.ctx, remote, ack); err != nil {
		s.logger.Warn("Ошибка отправки ACK", slog.Any("error", err))
		return
	}
	s.logger.Info("Видео подтверждено", slog.String("call_id", ev.CallID))
}

// remoteRTCPAddr адрес RTCP из тела ответа RealMedia: порт медиа + 1
func remoteRTCPAddr(body []byte) (string, error) {
	video, err := protocol.ParseRealVideoResponse(body)
	if err != nil {
		return "", err
	}
	socket, err := protocol.ParseSocket(video.Socket)
	if err != nil {
		return "", err
	}
	return socket.RTCPAddr(), nil
}

func (s *Session) payloadHandler(demux *psdemux.Demuxer) rtp.PayloadHandler {
	return func(payload []byte, _ *pionrtp.Header) {
		for _, seg := range demux.Write(payload) {
			if s.sink == nil {
				continue
			}
			if err := s.sink.WriteSegment(s.cfg.DeviceID, seg); err != nil {
				s.logger.Warn("Ошибка записи сегмента", slog.Any("error", err))
			}
		}
	}
}

// Close останавливает поток и отписывает сессию от ядра
func (s *Session) Close(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	var p peer
	if s.peer != nil {
		p = *s.peer
	}
	streaming := s.invite != nil || s.channel != nil
	unsubInit, unsubResponse := s.unsubInit, s.unsubResponse
	s.unsubInit, s.unsubResponse = nil, nil
	s.mu.Unlock()

	var err error
	if streaming {
		err = s.cancelVideo(ctx, p)
	}

	s.mu.Lock()
	s.closed = true
	sessionsByState.WithLabelValues(s.machine.Current()).Dec()
	s.mu.Unlock()

	if unsubInit != nil {
		unsubInit()
	}
	if unsubResponse != nil {
		unsubResponse()
	}
	s.cancel()
	s.flush()
	return err
}
