package signaling

import (
	"hash/fnv"
	"sort"
	"sync"
)

// ShardCount количество шардов, должно быть степенью 2
const ShardCount = 32

type shard[V any] struct {
	items map[string]V
	mutex sync.RWMutex
}

// ShardedMap потокобезопасная карта с ключом по идентификатору устройства.
// Каждый шард защищен своим мьютексом, операции над разными устройствами не конкурируют.
type ShardedMap[V any] struct {
	shards [ShardCount]*shard[V]
}

// NewShardedMap создает карту с инициализированными шардами
func NewShardedMap[V any]() *ShardedMap[V] {
	m := &ShardedMap[V]{}
	for i := range m.shards {
		m.shards[i] = &shard[V]{items: make(map[string]V)}
	}
	return m
}

func (m *ShardedMap[V]) getShard(key string) *shard[V] {
	hasher := fnv.New32a()
	hasher.Write([]byte(key))
	return m.shards[hasher.Sum32()&(ShardCount-1)]
}

// Set добавляет или заменяет значение
func (m *ShardedMap[V]) Set(key string, value V) {
	s := m.getShard(key)
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.items[key] = value
}

// SetIfAbsent добавляет значение, если ключа еще нет. Возвращает текущее значение и признак вставки.
func (m *ShardedMap[V]) SetIfAbsent(key string, value V) (V, bool) {
	s := m.getShard(key)
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if existing, ok := s.items[key]; ok {
		return existing, false
	}
	s.items[key] = value
	return value, true
}

// Get возвращает значение по ключу
func (m *ShardedMap[V]) Get(key string) (V, bool) {
	s := m.getShard(key)
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	v, ok := s.items[key]
	return v, ok
}

// Delete удаляет ключ, возвращает true если он был
func (m *ShardedMap[V]) Delete(key string) bool {
	s := m.getShard(key)
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if _, ok := s.items[key]; !ok {
		return false
	}
	delete(s.items, key)
	return true
}

// Count общее количество элементов
func (m *ShardedMap[V]) Count() int {
	count := 0
	for i := range m.shards {
		m.shards[i].mutex.RLock()
		count += len(m.shards[i].items)
		m.shards[i].mutex.RUnlock()
	}
	return count
}

// ForEach вызывает fn для снимка элементов, отсортированного по ключу.
// fn выполняется вне блокировок.
func (m *ShardedMap[V]) ForEach(fn func(key string, value V)) {
	type entry struct {
		key   string
		value V
	}
	var all []entry
	for i := range m.shards {
		m.shards[i].mutex.RLock()
		for k, v := range m.shards[i].items {
			all = append(all, entry{k, v})
		}
		m.shards[i].mutex.RUnlock()
	}
	sort.Slice(all, func(i, j int) bool { return all[i].key < all[j].key })
	for _, e := range all {
		fn(e.key, e.value)
	}
}

// Clear удаляет все элементы
func (m *ShardedMap[V]) Clear() {
	for i := range m.shards {
		m.shards[i].mutex.Lock()
		m.shards[i].items = make(map[string]V)
		m.shards[i].mutex.Unlock()
	}
}
