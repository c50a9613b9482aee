package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"angelone-bridge/internal/models"
)

type snapshot struct {
	payload []byte
	at      time.Time
}

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots map[string]snapshot
	candles   map[string]map[int64]models.Candle
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snapshots: make(map[string]snapshot),
		candles:   make(map[string]map[int64]models.Candle),
	}
}

func (m *MemoryStore) PutSnapshot(_ context.Context, key string, payload []byte, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[key] = snapshot{payload: append([]byte(nil), payload...), at: at}
	return nil
}

func (m *MemoryStore) GetSnapshot(_ context.Context, key string) ([]byte, time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.snapshots[key]
	if !ok {
		return nil, time.Time{}, ErrNotFound
	}
	return append([]byte(nil), s.payload...), s.at, nil
}

func (m *MemoryStore) DeleteSnapshots(_ context.Context, prefix string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k := range m.snapshots {
		if strings.HasPrefix(k, prefix) {
			delete(m.snapshots, k)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) SaveCandles(_ context.Context, series string, candles []models.Candle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	bars, ok := m.candles[series]
	if !ok {
		bars = make(map[int64]models.Candle)
		m.candles[series] = bars
	}
	for _, c := range candles {
		bars[c.OpenTime] = c
	}
	return nil
}

func (m *MemoryStore) GetCandles(_ context.Context, series string, from, to int64) ([]models.Candle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Candle
	for t, c := range m.candles[series] {
		if t >= from && t <= to {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenTime < out[j].OpenTime })
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
