package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
)

// SipgoTransport связывает Core со стеком sipgo: входящие запросы уходят в Core.HandleRequest,
// ответы клиентских транзакций в Core.HandleResponse.
type SipgoTransport struct {
	ua     *sipgo.UserAgent
	server *sipgo.Server
	client *sipgo.Client
	logger *slog.Logger

	mu     sync.RWMutex
	core   *Core
	closed bool
	wg     sync.WaitGroup
}

// NewSipgoTransport создает User Agent, сервер и клиент sipgo
func NewSipgoTransport(userAgent, hostname string) (*SipgoTransport, error) {
	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent(userAgent),
		sipgo.WithUserAgentHostname(hostname),
	)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания User Agent: %w", err)
	}

	client, err := sipgo.NewClient(ua, sipgo.WithClientHostname(hostname))
	if err != nil {
		_ = ua.Close()
		return nil, fmt.Errorf("ошибка создания клиента: %w", err)
	}

	server, err := sipgo.NewServer(ua)
	if err != nil {
		_ = ua.Close()
		return nil, fmt.Errorf("ошибка создания сервера: %w", err)
	}

	return &SipgoTransport{
		ua:     ua,
		server: server,
		client: client,
		logger: slog.Default().With(slog.String("component", "sipgo_transport")),
	}, nil
}

// Attach регистрирует обработчики входящих запросов
func (t *SipgoTransport) Attach(core *Core) {
	t.mu.Lock()
	t.core = core
	t.mu.Unlock()

	handler := func(req *sip.Request, tx sip.ServerTransaction) {
		t.mu.RLock()
		c := t.core
		t.mu.RUnlock()
		if c == nil {
			_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusServiceUnavailable, "Service Unavailable", nil))
			return
		}
		c.HandleRequest(req, tx)
	}

	t.server.OnRegister(handler)
	t.server.OnNotify(handler)
	t.server.OnRequest(MethodDO, handler)
}

// ListenAndServe запускает прием запросов и блокируется до отмены контекста
func (t *SipgoTransport) ListenAndServe(ctx context.Context, network, addr string) error {
	t.logger.Info("Запуск SIP сервера",
		slog.String("network", network),
		slog.String("address", addr))
	return t.server.ListenAndServe(ctx, network, addr)
}

// SendRequest реализует Transport. ACK уходит без транзакции.
func (t *SipgoTransport) SendRequest(ctx context.Context, remote string, req *sip.Request) error {
	t.mu.RLock()
	closed, core := t.closed, t.core
	t.mu.RUnlock()
	if closed {
		return errors.New("транспорт закрыт")
	}

	if remote != "" {
		req.SetDestination(remote)
	}

	if req.Method == sip.ACK {
		if err := t.client.WriteRequest(req); err != nil {
			return fmt.Errorf("ошибка отправки ACK: %w", err)
		}
		return nil
	}

	// транзакция ждет ответа дольше, чем живет контекст вызывающего
	tx, err := t.client.TransactionRequest(context.WithoutCancel(ctx), req)
	if err != nil {
		return fmt.Errorf("ошибка отправки %s: %w", req.Method, err)
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer tx.Terminate()
		t.handleClientTransaction(core, req, tx)
	}()
	return nil
}

func (t *SipgoTransport) handleClientTransaction(core *Core, req *sip.Request, tx sip.ClientTransaction) {
	for {
		select {
		case res, ok := <-tx.Responses():
			if !ok {
				return
			}
			if core != nil {
				core.HandleResponse(res)
			}
			if res.StatusCode >= 200 {
				return
			}
		case <-tx.Done():
			if err := tx.Err(); err != nil {
				t.logger.Warn("Транзакция завершилась с ошибкой",
					slog.String("method", string(req.Method)),
					slog.String("call_id", CallIDOf(req)),
					slog.Any("error", err))
			}
			return
		}
	}
}

// Close закрывает клиент и User Agent
func (t *SipgoTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	var errs []error
	if err := t.client.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := t.ua.Close(); err != nil {
		errs = append(errs, err)
	}
	t.wg.Wait()
	return errors.Join(errs...)
}
