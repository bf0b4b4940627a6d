package signaling

import (
	"context"
	"strings"
	"sync"

	"github.com/emiago/sipgo/sip"
)

// Transport отправляет запросы устройствам. Ответы возвращаются в Core.HandleResponse.
type Transport interface {
	SendRequest(ctx context.Context, remote string, req *sip.Request) error
}

// ServerTx серверная транзакция входящего запроса
type ServerTx interface {
	Respond(res *sip.Response) error
}

// Account учетная запись устройства
type Account struct {
	// Username SIP пользователь устройства, совпадает с его идентификатором
	Username string
	Domain   string
	Password string
	// LocalID идентификатор шлюза в заголовке From исходящих запросов
	LocalID string
	// RemoteID адрес, по которому запрашивается каталог устройства
	RemoteID string
}

// AccountStore источник учетных записей. Отсутствие записи: nil без ошибки.
type AccountStore interface {
	GetAccount(user, domain string) (*Account, error)
}

// DomainResolver возвращает канонический домен для хоста запроса
type DomainResolver func(host string) (string, bool)

// AuthResult результат аутентификации запроса
type AuthResult struct {
	Authenticated bool
	StatusCode    int
	Reason        string
	// Challenge заголовок с вызовом аутентификации, например WWW-Authenticate
	Challenge sip.Header
}

// Authenticator проверяет учетные данные запроса
type Authenticator interface {
	Authenticate(local, remote string, req *sip.Request, account *Account) AuthResult
}

// StaticAccounts хранилище учетных записей из конфигурации
type StaticAccounts struct {
	mu       sync.RWMutex
	accounts map[string]Account
}

// NewStaticAccounts создает хранилище
func NewStaticAccounts(accounts ...Account) *StaticAccounts {
	s := &StaticAccounts{accounts: make(map[string]Account, len(accounts))}
	for _, a := range accounts {
		s.Put(a)
	}
	return s
}

// Put добавляет или заменяет запись
func (s *StaticAccounts) Put(a Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[a.Username] = a
}

// GetAccount ищет запись по пользователю. Пустой домен записи или запроса совпадает с любым.
func (s *StaticAccounts) GetAccount(user, domain string) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[user]
	if !ok {
		return nil, nil
	}
	if a.Domain != "" && domain != "" && !strings.EqualFold(a.Domain, domain) {
		return nil, nil
	}
	return &a, nil
}

// StaticDomains обслуживает только перечисленные домены
func StaticDomains(domains ...string) DomainResolver {
	return func(host string) (string, bool) {
		for _, d := range domains {
			if strings.EqualFold(d, host) {
				return d, true
			}
		}
		return "", false
	}
}
