package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/arzzra/gb_gateway/pkg/signaling"
)

// Registry сессии настроенных устройств
type Registry struct {
	sig      Signaling
	sink     Sink
	base     Config
	sessions *signaling.ShardedMap[*Session]
	events   signaling.Observers[Event]
	logger   *slog.Logger
}

// NewRegistry создает реестр. base задает общие параметры сессий.
func NewRegistry(sig Signaling, sink Sink, base Config) *Registry {
	return &Registry{
		sig:      sig,
		sink:     sink,
		base:     base,
		sessions: signaling.NewShardedMap[*Session](),
		logger:   slog.Default().With(slog.String("component", "session_registry")),
	}
}

// Add создает сессию устройства. Повторное добавление возвращает ошибку.
func (r *Registry) Add(deviceID, name string) (*Session, error) {
	if _, ok := r.sessions.Get(deviceID); ok {
		return nil, fmt.Errorf("устройство %s уже добавлено", deviceID)
	}

	cfg := r.base
	cfg.DeviceID = deviceID
	cfg.Name = name
	s, err := New(cfg, r.sig, r.sink)
	if err != nil {
		return nil, err
	}
	if _, inserted := r.sessions.SetIfAbsent(deviceID, s); !inserted {
		_ = s.Close(context.Background())
		return nil, fmt.Errorf("устройство %s уже добавлено", deviceID)
	}
	s.OnEvent(r.events.Emit)
	r.logger.Debug("Добавлена сессия устройства", slog.String("device_id", deviceID))
	return s, nil
}

// Get возвращает сессию устройства
func (r *Registry) Get(deviceID string) (*Session, error) {
	s, ok := r.sessions.Get(deviceID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSession, deviceID)
	}
	return s, nil
}

// List возвращает снимки всех сессий по возрастанию идентификатора
func (r *Registry) List() []Info {
	out := make([]Info, 0, r.sessions.Count())
	r.sessions.ForEach(func(_ string, s *Session) {
		out = append(out, s.Info())
	})
	return out
}

// OnEvent подписка на события всех сессий
func (r *Registry) OnEvent(fn func(Event)) func() {
	return r.events.Add(fn)
}

// Close закрывает все сессии
func (r *Registry) Close(ctx context.Context) error {
	var errs []error
	r.sessions.ForEach(func(id string, s *Session) {
		if err := s.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		}
	})
	r.sessions.Clear()
	return errors.Join(errs...)
}
