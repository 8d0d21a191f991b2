package service

import (
	"sync"

	"github.com/google/uuid"
)

// EntityLocks сериализует переходы по одной сущности: одобрение
// человеком и срабатывание планировщика не должны примениться оба.
// Чтения через блокировку не ходят, она защищает решение и запись.
type EntityLocks struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func NewEntityLocks() *EntityLocks {
	return &EntityLocks{entries: make(map[uuid.UUID]*lockEntry)}
}

// Lock захватывает блокировку сущности и возвращает функцию
// освобождения. Записи со счётчиком ссылок, чтобы карта не росла вечно.
func (l *EntityLocks) Lock(id uuid.UUID) func() {
	l.mu.Lock()
	entry, ok := l.entries[id]
	if !ok {
		entry = &lockEntry{}
		l.entries[id] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()

		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.entries, id)
		}
		l.mu.Unlock()
	}
}
