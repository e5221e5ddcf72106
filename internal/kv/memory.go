package kv

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Store used in tests and when no Redis address
// is configured. Semantics mirror the Redis implementation closely
// enough for the engine's access patterns.
type Memory struct {
	mu    sync.Mutex
	kv    map[string]memEntry
	zsets map[string][]Member
	lists map[string][][]byte
}

type memEntry struct {
	value   []byte
	expires time.Time
}

func NewMemory() *Memory {
	return &Memory{
		kv:    make(map[string]memEntry),
		zsets: make(map[string][]Member),
		lists: make(map[string][][]byte),
	}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.kv[key]
	if !ok {
		return nil, false, nil
	}
	if !e.expires.IsZero() && time.Now().After(e.expires) {
		delete(m.kv, key)
		return nil, false, nil
	}
	return append([]byte(nil), e.value...), true, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := memEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expires = time.Now().Add(ttl)
	}
	m.kv[key] = e
	return nil
}

func (m *Memory) Del(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.kv, key)
	return nil
}

// ZAdd updates the score in place when the member already exists,
// matching Redis ZADD.
func (m *Memory) ZAdd(_ context.Context, key string, score float64, member []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.zsets[key]
	updated := false
	for i := range set {
		if bytes.Equal(set[i].Value, member) {
			set[i].Score = score
			updated = true
			break
		}
	}
	if !updated {
		set = append(set, Member{Score: score, Value: append([]byte(nil), member...)})
	}
	sort.SliceStable(set, func(i, j int) bool { return set[i].Score < set[j].Score })
	m.zsets[key] = set
	return nil
}

func (m *Memory) ZRangeByScore(_ context.Context, key string, min, max float64) ([]Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Member
	for _, mem := range m.zsets[key] {
		if mem.Score >= min && mem.Score <= max {
			out = append(out, mem)
		}
	}
	return out, nil
}

func (m *Memory) ZRemRangeByScore(_ context.Context, key string, min, max float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []Member
	for _, mem := range m.zsets[key] {
		if mem.Score < min || mem.Score > max {
			kept = append(kept, mem)
		}
	}
	m.zsets[key] = kept
	return nil
}

func (m *Memory) ZRevLatest(_ context.Context, key string, n int64) ([]Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.zsets[key]
	var out []Member
	for i := len(set) - 1; i >= 0 && int64(len(out)) < n; i-- {
		out = append(out, set[i])
	}
	return out, nil
}

func (m *Memory) LPush(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists[key] = append([][]byte{append([]byte(nil), value...)}, m.lists[key]...)
	return nil
}

func (m *Memory) LTrim(_ context.Context, key string, start, stop int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.lists[key]
	if start < 0 {
		start = 0
	}
	if stop >= int64(len(list)) {
		stop = int64(len(list)) - 1
	}
	if start > stop {
		m.lists[key] = nil
		return nil
	}
	m.lists[key] = list[start : stop+1]
	return nil
}

func (m *Memory) LRange(_ context.Context, key string, start, stop int64) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.lists[key]
	if start < 0 {
		start = 0
	}
	if stop < 0 || stop >= int64(len(list)) {
		stop = int64(len(list)) - 1
	}
	if start > stop {
		return nil, nil
	}
	out := make([][]byte, 0, stop-start+1)
	for _, v := range list[start : stop+1] {
		out = append(out, append([]byte(nil), v...))
	}
	return out, nil
}

func (m *Memory) Publish(context.Context, string, []byte) error {
	// No external subscribers in-process.
	return nil
}

func (m *Memory) Close() error { return nil }
