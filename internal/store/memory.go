// memory.go - In-memory store that still round-trips through the codec
package store

import (
	"sync"

	"trustedsetup/internal/ceremony"
)

var _ ceremony.Store = (*Memory)(nil)

// Memory holds the last saved and archived encodings
type Memory struct {
	mu       sync.Mutex
	live     []byte
	archived []byte
	saves    int
}

func (m *Memory) Save(rec *ceremony.Record) error {
	data, err := Encode(rec)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.live = data
	m.saves++
	return nil
}

func (m *Memory) Archive(rec *ceremony.Record) error {
	data, err := Encode(rec)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.archived = data
	m.live = nil
	return nil
}

// Load decodes the last saved record
func (m *Memory) Load() (*ceremony.Record, error) {
	m.mu.Lock()
	data := m.live
	m.mu.Unlock()
	if data == nil {
		return nil, ErrNotFound
	}
	return Decode(data)
}

// Archived decodes the archived record
func (m *Memory) Archived() (*ceremony.Record, error) {
	m.mu.Lock()
	data := m.archived
	m.mu.Unlock()
	if data == nil {
		return nil, ErrNotFound
	}
	return Decode(data)
}

// Saves counts successful saves
func (m *Memory) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}
