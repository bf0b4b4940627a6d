package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo/sip"
	"golang.org/x/sync/errgroup"

	"github.com/arzzra/gb_gateway/pkg/protocol"
)

// MethodDO метод запросов устройства: keepalive и запросы шлюза
const MethodDO sip.RequestMethod = "DO"

const (
	DefaultQueueSize = 1000
	DefaultIdleWait  = 10 * time.Second
	DefaultMinExpiry = 30
	DefaultExpiry    = 3600
	DefaultUserAgent = "gb-gateway"
)

const (
	statusIntervalTooBrief = 423
	overloadedReason       = "Registrar overloaded, please try again shortly"
	domainRejectedReason   = "Domain not serviced"
)

// ErrStopped ядро остановлено
var ErrStopped = errors.New("ядро сигнализации остановлено")

// Config параметры ядра сигнализации
type Config struct {
	QueueSize int
	Workers   int
	// IdleWait время ожидания заявки, после которого воркер проверяет истекшие регистрации
	IdleWait      time.Duration
	MinExpiry     int
	DefaultExpiry int
	UserAgent     string
	Realm         string
	StrictRealm   bool
	// LocalAddr адрес шлюза host:port, который видят устройства
	LocalAddr string
	Charset   protocol.Charset

	MediaPortStart int
	MediaPortEnd   int
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		QueueSize:      DefaultQueueSize,
		Workers:        runtime.NumCPU(),
		IdleWait:       DefaultIdleWait,
		MinExpiry:      DefaultMinExpiry,
		DefaultExpiry:  DefaultExpiry,
		UserAgent:      DefaultUserAgent,
		Charset:        protocol.CharsetGB18030,
		MediaPortStart: DefaultMediaPortStart,
		MediaPortEnd:   DefaultMediaPortEnd,
	}
}

// Registration действующая регистрация устройства
type Registration struct {
	DeviceID      string    `json:"device_id"`
	Domain        string    `json:"domain"`
	Contact       string    `json:"contact"`
	Remote        string    `json:"remote"`
	Local         string    `json:"local"`
	UserAgent     string    `json:"user_agent,omitempty"`
	Expires       int       `json:"expires"`
	RegisteredAt  time.Time `json:"registered_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	LastKeepAlive time.Time `json:"last_keepalive,omitempty"`
}

type registerItem struct {
	req    *sip.Request
	tx     ServerTx
	expiry int
}

// Option настраивает Core
type Option func(*Core)

// WithAccounts задает источник учетных записей
func WithAccounts(store AccountStore) Option {
	return func(c *Core) { c.accounts = store }
}

// WithDomainResolver задает проверку доменов для строгого режима
func WithDomainResolver(resolver DomainResolver) Option {
	return func(c *Core) { c.domains = resolver }
}

// WithAuthenticator заменяет аутентификатор
func WithAuthenticator(auth Authenticator) Option {
	return func(c *Core) { c.auth = auth }
}

// WithBoundPorts заменяет источник занятых UDP портов
func WithBoundPorts(fn BoundPortsFunc) Option {
	return func(c *Core) { c.boundPorts = fn }
}

// Core принимает запросы устройств, ведет очередь REGISTER и пул обработчиков.
// Все ответы уходят через серверные транзакции, исходящие запросы через Transport.
type Core struct {
	cfg        Config
	transport  Transport
	accounts   AccountStore
	domains    DomainResolver
	auth       Authenticator
	boundPorts BoundPortsFunc
	ports      *PortAllocator
	logger     *slog.Logger

	queue    chan registerItem
	stopped  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once

	registrations *ShardedMap[Registration]

	requestObs  Observers[RequestEvent]
	responseObs Observers[ResponseEvent]
	catalogObs  Observers[CatalogEvent]

	now func() time.Time
}

// New создает ядро сигнализации
func New(cfg Config, transport Transport, opts ...Option) (*Core, error) {
	if transport == nil {
		return nil, fmt.Errorf("транспорт не задан")
	}
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.IdleWait <= 0 {
		cfg.IdleWait = def.IdleWait
	}
	if cfg.MinExpiry <= 0 {
		cfg.MinExpiry = def.MinExpiry
	}
	if cfg.DefaultExpiry <= 0 {
		cfg.DefaultExpiry = def.DefaultExpiry
	}
	if cfg.Charset == "" {
		cfg.Charset = def.Charset
	}
	if cfg.MediaPortStart == 0 && cfg.MediaPortEnd == 0 {
		cfg.MediaPortStart, cfg.MediaPortEnd = def.MediaPortStart, def.MediaPortEnd
	}

	c := &Core{
		cfg:           cfg,
		transport:     transport,
		accounts:      NewStaticAccounts(),
		queue:         make(chan registerItem, cfg.QueueSize),
		stopCh:        make(chan struct{}),
		registrations: NewShardedMap[Registration](),
		logger:        slog.Default().With(slog.String("component", "signaling")),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.auth == nil {
		c.auth = NewDigestAuthenticator(cfg.Realm)
	}
	if c.domains == nil {
		if cfg.Realm != "" {
			c.domains = StaticDomains(cfg.Realm)
		} else {
			c.domains = func(host string) (string, bool) { return host, true }
		}
	}

	ports, err := NewPortAllocator(cfg.MediaPortStart, cfg.MediaPortEnd, c.boundPorts)
	if err != nil {
		return nil, err
	}
	c.ports = ports
	return c, nil
}

// Config возвращает действующую конфигурацию
func (c *Core) Config() Config {
	return c.cfg
}

// Run запускает пул обработчиков очереди и блокируется до остановки
func (c *Core) Run(ctx context.Context) error {
	c.logger.Info("Запуск обработчиков регистрации",
		slog.Int("workers", c.cfg.Workers),
		slog.Int("queue_size", c.cfg.QueueSize))

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < c.cfg.Workers; i++ {
		id := i
		g.Go(func() error {
			c.worker(ctx, id)
			return nil
		})
	}
	return g.Wait()
}

// Stop прекращает прием регистраций и очищает очередь. Воркеры завершаются на ближайшей проверке.
func (c *Core) Stop() {
	c.stopOnce.Do(func() {
		c.stopped.Store(true)
		close(c.stopCh)
	})

	for {
		select {
		case item := <-c.queue:
			queueDepth.Dec()
			c.respond(item.tx, c.newResponse(item.req, sip.StatusServiceUnavailable, "Service Unavailable", nil))
		default:
			return
		}
	}
}

func (c *Core) worker(ctx context.Context, id int) {
	logger := c.logger.With(slog.Int("worker", id))
	idle := time.NewTimer(c.cfg.IdleWait)
	defer idle.Stop()

	for {
		if c.stopped.Load() {
			logger.Debug("Обработчик остановлен")
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case item := <-c.queue:
			queueDepth.Dec()
			c.processRegister(item)
		case <-idle.C:
			c.purgeExpired()
		}

		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(c.cfg.IdleWait)
	}
}

// HandleRequest точка входа для всех запросов устройств
func (c *Core) HandleRequest(req *sip.Request, tx ServerTx) {
	requestsTotal.WithLabelValues(string(req.Method)).Inc()

	ev := RequestEvent{
		Request: req,
		Local:   c.localAddr(req),
		Remote:  req.Source(),
	}
	if user := fromUser(req); user != "" && c.accounts != nil {
		account, err := c.accounts.GetAccount(user, fromHost(req))
		if err != nil {
			c.logger.Warn("Ошибка поиска учетной записи", slog.String("user", user), slog.Any("error", err))
		}
		ev.Account = account
	}
	c.requestObs.Emit(ev)

	switch req.Method {
	case sip.REGISTER:
		c.SubmitRegister(req, tx)
	case MethodDO:
		_ = c.DispatchHeartbeat(req, tx)
	case sip.NOTIFY:
		_ = c.DispatchCatalogPush(req, tx)
	default:
		res := c.newResponse(req, sip.StatusMethodNotAllowed, "Method Not Allowed", nil)
		res.AppendHeader(sip.NewHeader("Allow", "REGISTER, NOTIFY, DO"))
		c.respond(tx, res)
		c.countResult(RegisterNonRegisterMethod)
	}
}

// SubmitRegister проверяет REGISTER и ставит его в очередь.
// Некорректные запросы и переполнение очереди отвечаются сразу и в очередь не попадают.
func (c *Core) SubmitRegister(req *sip.Request, tx ServerTx) RegisterResult {
	reject := func(code int, reason string, result RegisterResult) RegisterResult {
		c.respond(tx, c.newResponse(req, code, reason, nil))
		c.countResult(result)
		return result
	}

	if req.Method != sip.REGISTER {
		return reject(sip.StatusMethodNotAllowed, "Method Not Allowed", RegisterNonRegisterMethod)
	}
	to := req.To()
	if to == nil {
		return reject(sip.StatusBadRequest, "Missing To header", RegisterRequestWithNoUser)
	}
	if to.Address.User == "" {
		return reject(sip.StatusBadRequest, "Missing username on To header", RegisterRequestWithNoUser)
	}
	if req.Contact() == nil {
		return reject(sip.StatusBadRequest, "Missing Contact header", RegisterRequestWithNoContact)
	}

	expiry := requestedExpiry(req)
	if expiry > 0 && expiry < c.cfg.MinExpiry {
		res := c.newResponse(req, statusIntervalTooBrief, "Interval Too Brief", nil)
		res.AppendHeader(sip.NewHeader("Min-Expires", strconv.Itoa(c.cfg.MinExpiry)))
		c.respond(tx, res)
		c.countResult(RegisterIntervalTooBrief)
		return RegisterIntervalTooBrief
	}

	if c.stopped.Load() {
		return reject(sip.StatusServiceUnavailable, "Service Unavailable", RegisterFailed)
	}

	select {
	case c.queue <- registerItem{req: req, tx: tx, expiry: expiry}:
		queueDepth.Inc()
		c.countResult(RegisterTrying)
		return RegisterTrying
	default:
		c.logger.Warn("Очередь регистрации переполнена",
			slog.String("device_id", to.Address.User),
			slog.Int("queue_size", c.cfg.QueueSize))
		return reject(sip.StatusTemporarilyUnavailable, overloadedReason, RegisterOverloaded)
	}
}

// processRegister обрабатывает заявку из очереди. Паника превращается в 500, воркер продолжает работу.
func (c *Core) processRegister(item registerItem) (result RegisterResult) {
	req := item.req
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Паника при обработке REGISTER",
				slog.String("call_id", CallIDOf(req)),
				slog.Any("panic", r))
			c.respond(item.tx, c.newResponse(req, sip.StatusInternalServerError, "Server Internal Error", nil))
			result = RegisterError
		}
		c.countResult(result)
	}()

	user := req.To().Address.User
	host := req.To().Address.Host
	logger := c.logger.With(slog.String("device_id", user))

	domain, ok := c.domains(host)
	if !ok {
		if c.cfg.StrictRealm {
			logger.Warn("Домен не обслуживается", slog.String("domain", host))
			c.respond(item.tx, c.newResponse(req, sip.StatusForbidden, domainRejectedReason, nil))
			return RegisterDomainNotServiced
		}
		domain = host
	}

	account, err := c.accounts.GetAccount(user, domain)
	if err != nil {
		logger.Error("Ошибка поиска учетной записи", slog.Any("error", err))
		c.respond(item.tx, c.newResponse(req, sip.StatusInternalServerError, "Server Internal Error", nil))
		return RegisterError
	}

	local, remote := c.localAddr(req), req.Source()
	auth := c.auth.Authenticate(local, remote, req, account)
	if !auth.Authenticated {
		code, reason := auth.StatusCode, auth.Reason
		if code == 0 {
			code, reason = sip.StatusForbidden, "Forbidden"
		}
		res := c.newResponse(req, code, reason, nil)
		if auth.Challenge != nil {
			res.AppendHeader(auth.Challenge)
		}
		c.respond(item.tx, res)
		if auth.Challenge != nil || code == sip.StatusUnauthorized || code == sip.StatusProxyAuthRequired {
			return RegisterAuthenticationRequired
		}
		logger.Warn("Регистрация отклонена", slog.Int("status", code))
		return RegisterForbidden
	}

	expiry := item.expiry
	if expiry < 0 {
		expiry = c.cfg.DefaultExpiry
	}

	result = RegisterAuthenticated
	if expiry == 0 {
		c.registrations.Delete(user)
		logger.Info("Регистрация снята")
		result = RegisterRemoveAllRegistrations
	} else {
		now := c.now()
		reg := Registration{
			DeviceID:     user,
			Domain:       domain,
			Contact:      req.Contact().Address.String(),
			Remote:       remote,
			Local:        local,
			Expires:      expiry,
			RegisteredAt: now,
			ExpiresAt:    now.Add(time.Duration(expiry) * time.Second),
		}
		if h := req.GetHeader("User-Agent"); h != nil {
			reg.UserAgent = h.Value()
		}
		if prev, ok := c.registrations.Get(user); ok {
			reg.LastKeepAlive = prev.LastKeepAlive
		}
		c.registrations.Set(user, reg)
		logger.Info("Устройство зарегистрировано",
			slog.String("remote", remote),
			slog.Int("expires", expiry))
	}
	registrationsActive.Set(float64(c.registrations.Count()))

	res := c.newResponse(req, sip.StatusOK, "OK", nil)
	res.AppendHeader(sip.NewHeader("Content-Type", protocol.ContentType))
	res.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expiry)))
	c.respond(item.tx, res)
	return result
}

// DispatchHeartbeat отвечает на keepalive устройства
func (c *Core) DispatchHeartbeat(req *sip.Request, tx ServerTx) error {
	if _, err := protocol.ParseKeepAlive(req.Body()); err != nil {
		c.respond(tx, c.newResponse(req, sip.StatusBadRequest, "Bad Request", nil))
		return fmt.Errorf("некорректный keepalive: %w", err)
	}

	if id := fromUser(req); id != "" {
		if reg, ok := c.registrations.Get(id); ok {
			reg.LastKeepAlive = c.now()
			c.registrations.Set(id, reg)
		}
	}

	body, err := protocol.Marshal(protocol.NewResponse(protocol.VariableKeepAlive), c.cfg.Charset)
	if err != nil {
		c.respond(tx, c.newResponse(req, sip.StatusInternalServerError, "Server Internal Error", nil))
		return err
	}
	c.respond(tx, c.newResponse(req, sip.StatusOK, "OK", body))
	return nil
}

// DispatchCatalogPush принимает каталог устройства. Ответ 200 отправляется при любом исходе разбора.
func (c *Core) DispatchCatalogPush(req *sip.Request, tx ServerTx) error {
	catalog, parseErr := protocol.ParseCatalog(req.Body())
	if parseErr != nil {
		c.logger.Warn("Не удалось разобрать каталог",
			slog.String("device_id", fromUser(req)),
			slog.Any("error", parseErr))
	} else {
		c.catalogObs.Emit(CatalogEvent{DeviceID: fromUser(req), Catalog: catalog})
	}

	body, err := protocol.Marshal(protocol.NewResponse(protocol.VariableCatalog), c.cfg.Charset)
	if err != nil {
		return err
	}
	c.respond(tx, c.newResponse(req, sip.StatusOK, "OK", body))
	return parseErr
}

// HandleResponse принимает ответы устройств на исходящие запросы
func (c *Core) HandleResponse(res *sip.Response) {
	responsesTotal.WithLabelValues(fmt.Sprintf("%dxx", res.StatusCode/100)).Inc()
	callID := CallIDOf(res)

	if res.StatusCode < 200 {
		c.logger.Debug("Предварительный ответ",
			slog.Int("status", res.StatusCode),
			slog.String("call_id", callID))
		return
	}
	if res.StatusCode >= 400 {
		c.logger.Warn("Устройство отклонило запрос",
			slog.Int("status", res.StatusCode),
			slog.String("reason", res.Reason),
			slog.String("call_id", callID))
	}

	variable := protocol.VariableUnknown
	if len(res.Body()) > 0 {
		v, err := protocol.DetectVariable(res.Body())
		if err != nil {
			c.logger.Debug("Тело ответа не распознано", slog.String("call_id", callID), slog.Any("error", err))
		}
		variable = v
	}
	c.responseObs.Emit(ResponseEvent{Response: res, CallID: callID, Variable: variable})
}

// Send отправляет запрос устройству через транспорт
func (c *Core) Send(ctx context.Context, remote string, req *sip.Request) error {
	if c.stopped.Load() {
		return ErrStopped
	}
	return c.transport.SendRequest(ctx, remote, req)
}

// AllocateMediaPorts выдает пару портов RTP/RTCP
func (c *Core) AllocateMediaPorts() (rtpPort, rtcpPort int, err error) {
	return c.ports.Allocate()
}

// OnRequestInited подписка на входящие запросы
func (c *Core) OnRequestInited(fn func(RequestEvent)) func() {
	return c.requestObs.Add(fn)
}

// OnResponse подписка на ответы устройств
func (c *Core) OnResponse(fn func(ResponseEvent)) func() {
	return c.responseObs.Add(fn)
}

// OnCatalog подписка на каталоги
func (c *Core) OnCatalog(fn func(CatalogEvent)) func() {
	return c.catalogObs.Add(fn)
}

// Registration возвращает регистрацию устройства
func (c *Core) Registration(deviceID string) (Registration, bool) {
	return c.registrations.Get(deviceID)
}

// Registrations возвращает все регистрации, упорядоченные по идентификатору
func (c *Core) Registrations() []Registration {
	out := make([]Registration, 0, c.registrations.Count())
	c.registrations.ForEach(func(_ string, reg Registration) {
		out = append(out, reg)
	})
	return out
}

// QueueDepth текущая длина очереди REGISTER
func (c *Core) QueueDepth() int {
	return len(c.queue)
}

func (c *Core) purgeExpired() {
	now := c.now()
	var expired []string
	c.registrations.ForEach(func(id string, reg Registration) {
		if now.After(reg.ExpiresAt) {
			expired = append(expired, id)
		}
	})
	for _, id := range expired {
		if c.registrations.Delete(id) {
			c.logger.Info("Регистрация истекла", slog.String("device_id", id))
		}
	}
	if len(expired) > 0 {
		registrationsActive.Set(float64(c.registrations.Count()))
	}
}

func (c *Core) respond(tx ServerTx, res *sip.Response) {
	if tx == nil {
		return
	}
	if err := tx.Respond(res); err != nil {
		c.logger.Warn("Ошибка отправки ответа",
			slog.Int("status", res.StatusCode),
			slog.Any("error", err))
	}
}

func (c *Core) countResult(r RegisterResult) {
	registerResults.WithLabelValues(r.String()).Inc()
}

func (c *Core) localAddr(req *sip.Request) string {
	if c.cfg.LocalAddr != "" {
		return c.cfg.LocalAddr
	}
	return req.Destination()
}

func fromHost(req *sip.Request) string {
	if from := req.From(); from != nil {
		return from.Address.Host
	}
	return ""
}
