package signaling

import (
	"sort"
	"sync"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/gb_gateway/pkg/protocol"
)

// RequestEvent входящий запрос с адресами и найденной учетной записью
type RequestEvent struct {
	Request *sip.Request
	Local   string
	Remote  string
	Account *Account
}

// DeviceID идентификатор устройства из заголовка From
func (e RequestEvent) DeviceID() string {
	return fromUser(e.Request)
}

// ResponseEvent ответ устройства на исходящий запрос
type ResponseEvent struct {
	Response *sip.Response
	CallID   string
	Variable protocol.Variable
}

// CatalogEvent каталог, присланный устройством
type CatalogEvent struct {
	DeviceID string
	Catalog  *protocol.Catalog
}

// Observers список подписчиков с отпиской.
// Обработчики вызываются вне блокировки в порядке подписки, поэтому могут отписываться прямо из вызова.
// Нулевое значение готово к использованию.
type Observers[T any] struct {
	mu   sync.RWMutex
	next uint64
	fns  map[uint64]func(T)
}

// Add подписывает fn и возвращает функцию отписки
func (o *Observers[T]) Add(fn func(T)) func() {
	o.mu.Lock()
	if o.fns == nil {
		o.fns = make(map[uint64]func(T))
	}
	id := o.next
	o.next++
	o.fns[id] = fn
	o.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.fns, id)
			o.mu.Unlock()
		})
	}
}

// Emit вызывает всех подписчиков
func (o *Observers[T]) Emit(v T) {
	o.mu.RLock()
	ids := make([]uint64, 0, len(o.fns))
	for id := range o.fns {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(T), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, o.fns[id])
	}
	o.mu.RUnlock()

	for _, fn := range fns {
		fn(v)
	}
}

// Len количество подписчиков
func (o *Observers[T]) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.fns)
}
