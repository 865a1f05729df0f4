package session

import (
	"hash/fnv"
	"sync"

	"github.com/arzzra/media_negotiation/pkg/codec"
	"github.com/arzzra/media_negotiation/pkg/media"
	"github.com/arzzra/media_negotiation/pkg/media_sdp"
	"github.com/arzzra/media_negotiation/pkg/negotiation"
	"github.com/pion/sdp/v3"
)

// ShardCount количество шардов, степень 2
const ShardCount = 32

// Record пара предложение/ответ одного ключа.
// Ответ записывается не более одного раза и только после предложения.
type Record struct {
	Offer  *sdp.SessionDescription
	Answer *sdp.SessionDescription
}

// Complete сообщает, что есть и предложение, и ответ
func (r *Record) Complete() bool {
	return r != nil && r.Offer != nil && r.Answer != nil
}

// entry состояние одного ключа. Все поля защищены mutex.
type entry struct {
	key     SessionKey
	mutex   sync.Mutex
	removed bool

	role    negotiation.CallRole
	roleSet bool
	record  *Record

	// prepared nil, пока не подготовлена ни одна сессия
	prepared   map[codec.Descriptor]*negotiation.Session
	postponed  media.Engine
	engine     media.Engine
	started    bool
	transports *media_sdp.PoolTransports
}

func (e *entry) unlock() {
	e.mutex.Unlock()
}

// setRole задает роль один раз, другая роль отклоняется
func (e *entry) setRole(role negotiation.CallRole) bool {
	if e.roleSet {
		return e.role == role
	}
	e.role = role
	e.roleSet = true
	return true
}

type storeShard struct {
	entries map[SessionKey]*entry
	mutex   sync.RWMutex
}

// Store потокобезопасное хранилище состояния по ключам с шардированием.
// Каждая запись имеет свой мьютекс, операции над разными ключами не мешают друг другу.
type Store struct {
	shards [ShardCount]*storeShard
}

// NewStore создает хранилище
func NewStore() *Store {
	s := &Store{}
	for i := range s.shards {
		s.shards[i] = &storeShard{entries: make(map[SessionKey]*entry)}
	}
	return s
}

func (s *Store) hashKey(key SessionKey) uint32 {
	hasher := fnv.New32a()
	hasher.Write([]byte(key.CallID))
	hasher.Write([]byte{byte(key.Type)})
	return hasher.Sum32()
}

func (s *Store) shard(key SessionKey) *storeShard {
	return s.shards[s.hashKey(key)&(ShardCount-1)]
}

// acquire возвращает заблокированную запись, создавая ее при необходимости
func (s *Store) acquire(key SessionKey) *entry {
	for {
		shard := s.shard(key)

		shard.mutex.Lock()
		e, ok := shard.entries[key]
		if !ok {
			e = &entry{key: key}
			shard.entries[key] = e
		}
		shard.mutex.Unlock()

		e.mutex.Lock()
		if !e.removed {
			return e
		}
		// запись удалили между поиском и блокировкой
		e.mutex.Unlock()
	}
}

// lookup возвращает заблокированную запись или nil
func (s *Store) lookup(key SessionKey) *entry {
	for {
		shard := s.shard(key)

		shard.mutex.RLock()
		e, ok := shard.entries[key]
		shard.mutex.RUnlock()
		if !ok {
			return nil
		}

		e.mutex.Lock()
		if !e.removed {
			return e
		}
		e.mutex.Unlock()
	}
}

// remove удаляет запись, мьютекс записи должен быть захвачен
func (s *Store) remove(e *entry) {
	e.removed = true

	shard := s.shard(e.key)
	shard.mutex.Lock()
	if current, ok := shard.entries[e.key]; ok && current == e {
		delete(shard.entries, e.key)
	}
	shard.mutex.Unlock()
}

// Count возвращает число записей во всех шардах
func (s *Store) Count() int {
	count := 0
	for i := range s.shards {
		s.shards[i].mutex.RLock()
		count += len(s.shards[i].entries)
		s.shards[i].mutex.RUnlock()
	}
	return count
}

// Keys возвращает все ключи
func (s *Store) Keys() []SessionKey {
	var keys []SessionKey
	for i := range s.shards {
		s.shards[i].mutex.RLock()
		for key := range s.shards[i].entries {
			keys = append(keys, key)
		}
		s.shards[i].mutex.RUnlock()
	}
	return keys
}

// ShardStats возвращает распределение записей по шардам
func (s *Store) ShardStats() map[int]int {
	stats := make(map[int]int, ShardCount)
	for i := range s.shards {
		s.shards[i].mutex.RLock()
		stats[i] = len(s.shards[i].entries)
		s.shards[i].mutex.RUnlock()
	}
	return stats
}
