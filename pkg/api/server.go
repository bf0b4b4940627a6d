// Package api exposes the operator HTTP surface of the gateway: device
// sessions, the registrar state, a websocket stream of events and the
// prometheus metrics endpoint.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arzzra/gb_gateway/pkg/protocol"
	"github.com/arzzra/gb_gateway/pkg/session"
	"github.com/arzzra/gb_gateway/pkg/signaling"
)

// Device операции оператора над сессией устройства
type Device interface {
	Info() session.Info
	RequestRealtimeVideo(ctx context.Context) error
	CancelRealtimeVideo(ctx context.Context) error
	QueryDevice(ctx context.Context) error
	QueryDirectory(ctx context.Context, from, to int) error
}

// Devices набор сессий устройств
type Devices interface {
	List() []session.Info
	Device(id string) (Device, error)
	OnEvent(fn func(session.Event)) func()
}

// Registrar состояние ядра сигнализации
type Registrar interface {
	QueueDepth() int
	Registrations() []signaling.Registration
	Registration(deviceID string) (signaling.Registration, bool)
	OnCatalog(fn func(signaling.CatalogEvent)) func()
	OnResponse(fn func(signaling.ResponseEvent)) func()
}

// FromRegistry оборачивает реестр сессий
func FromRegistry(r *session.Registry) Devices {
	return registryDevices{r}
}

type registryDevices struct {
	*session.Registry
}

func (r registryDevices) Device(id string) (Device, error) {
	s, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Config параметры HTTP интерфейса
type Config struct {
	// AllowedOrigins источники, которым разрешен поток событий. Пустой список разрешает все.
	AllowedOrigins []string
	// RequestTimeout предел отправки запроса устройству
	RequestTimeout time.Duration
}

// DeviceView сессия устройства вместе с его регистрацией
type DeviceView struct {
	session.Info
	Registration *signaling.Registration `json:"registration,omitempty"`
}

// RegistrarView состояние регистратора
type RegistrarView struct {
	QueueDepth    int                      `json:"queue_depth"`
	Registrations []signaling.Registration `json:"registrations"`
}

// ResponseView ответ устройства в потоке событий
type ResponseView struct {
	CallID     string            `json:"call_id"`
	StatusCode int               `json:"status_code"`
	Reason     string            `json:"reason,omitempty"`
	Variable   protocol.Variable `json:"variable,omitempty"`
}

// Server HTTP интерфейс оператора
type Server struct {
	cfg       Config
	devices   Devices
	registrar Registrar
	hub       *hub
	upgrader  websocket.Upgrader
	logger    *slog.Logger
	unsub     []func()
}

// New создает сервер и подписывает поток событий на сессии и ядро
func New(cfg Config, devices Devices, registrar Registrar) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	s := &Server{
		cfg:       cfg,
		devices:   devices,
		registrar: registrar,
		hub:       newHub(),
		upgrader:  newUpgrader(cfg.AllowedOrigins),
		logger:    slog.Default().With(slog.String("component", "api")),
	}

	s.unsub = append(s.unsub, devices.OnEvent(func(ev session.Event) {
		s.hub.broadcast("session", ev)
	}))
	if registrar != nil {
		s.unsub = append(s.unsub,
			registrar.OnCatalog(func(ev signaling.CatalogEvent) {
				s.hub.broadcast("catalog", ev)
			}),
			registrar.OnResponse(func(ev signaling.ResponseEvent) {
				s.hub.broadcast("response", responseView(ev))
			}),
		)
	}
	return s
}

// Handler возвращает маршрутизатор
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Group(func(r chi.Router) {
		r.Use(s.instrument)
		r.Get("/api/devices", s.listDevices)
		r.Get("/api/devices/{id}", s.getDevice)
		r.Post("/api/devices/{id}/video", s.startVideo)
		r.Delete("/api/devices/{id}/video", s.stopVideo)
		r.Post("/api/devices/{id}/info", s.queryInfo)
		r.Post("/api/devices/{id}/catalog", s.queryCatalog)
		r.Get("/api/registrar", s.getRegistrar)
	})

	r.Get("/api/events", s.serveEvents)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// Close отписывает поток событий и отключает подписчиков
func (s *Server) Close() {
	for _, fn := range s.unsub {
		fn()
	}
	s.unsub = nil
	s.hub.close()
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		httpRequests.WithLabelValues(r.Method+" "+route, strconv.Itoa(ww.Status())).Inc()
		s.logger.Debug("HTTP запрос",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(start)))
	})
}

func (s *Server) view(info session.Info) DeviceView {
	v := DeviceView{Info: info}
	if s.registrar != nil {
		if reg, ok := s.registrar.Registration(info.DeviceID); ok {
			v.Registration = &reg
		}
	}
	return v
}

func (s *Server) listDevices(w http.ResponseWriter, _ *http.Request) {
	infos := s.devices.List()
	out := make([]DeviceView, 0, len(infos))
	for _, info := range infos {
		out = append(out, s.view(info))
	}
	respondOK(w, out)
}

func (s *Server) getDevice(w http.ResponseWriter, r *http.Request) {
	d, found := s.device(w, r)
	if !found {
		return
	}
	respondOK(w, s.view(d.Info()))
}

func (s *Server) startVideo(w http.ResponseWriter, r *http.Request) {
	s.run(w, r, "Запрос видео отправлен", func(ctx context.Context, d Device) error {
		return d.RequestRealtimeVideo(ctx)
	})
}

func (s *Server) stopVideo(w http.ResponseWriter, r *http.Request) {
	s.run(w, r, "Видео остановлено", func(ctx context.Context, d Device) error {
		return d.CancelRealtimeVideo(ctx)
	})
}

func (s *Server) queryInfo(w http.ResponseWriter, r *http.Request) {
	s.run(w, r, "Запрос информации отправлен", func(ctx context.Context, d Device) error {
		return d.QueryDevice(ctx)
	})
}

func (s *Server) queryCatalog(w http.ResponseWriter, r *http.Request) {
	from, err := queryInt(r, "from")
	if err != nil {
		fail(w, http.StatusBadRequest, "некорректный параметр from")
		return
	}
	to, err := queryInt(r, "to")
	if err != nil {
		fail(w, http.StatusBadRequest, "некорректный параметр to")
		return
	}
	if from > 0 && to > 0 && from > to {
		fail(w, http.StatusBadRequest, "from больше to")
		return
	}
	s.run(w, r, "Запрос каталога отправлен", func(ctx context.Context, d Device) error {
		return d.QueryDirectory(ctx, from, to)
	})
}

func (s *Server) getRegistrar(w http.ResponseWriter, _ *http.Request) {
	if s.registrar == nil {
		fail(w, http.StatusServiceUnavailable, "регистратор не подключен")
		return
	}
	respondOK(w, RegistrarView{
		QueueDepth:    s.registrar.QueueDepth(),
		Registrations: s.registrar.Registrations(),
	})
}

func (s *Server) device(w http.ResponseWriter, r *http.Request) (Device, bool) {
	d, err := s.devices.Device(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return nil, false
	}
	return d, true
}

func (s *Server) run(w http.ResponseWriter, r *http.Request, message string, op func(context.Context, Device) error) {
	d, found := s.device(w, r)
	if !found {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()
	if err := op(ctx, d); err != nil {
		s.writeError(w, err)
		return
	}
	accepted(w, message)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNoSession):
		fail(w, http.StatusNotFound, err.Error())
	case errors.Is(err, session.ErrNotReady):
		fail(w, http.StatusConflict, err.Error())
	case errors.Is(err, session.ErrClosed), errors.Is(err, signaling.ErrStopped):
		fail(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Warn("Ошибка операции с устройством", slog.Any("error", err))
		fail(w, http.StatusBadGateway, err.Error())
	}
}

func queryInt(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

func responseView(ev signaling.ResponseEvent) ResponseView {
	v := ResponseView{CallID: ev.CallID, Variable: ev.Variable}
	if ev.Response != nil {
		v.StatusCode = ev.Response.StatusCode
		v.Reason = ev.Response.Reason
	}
	return v
}
