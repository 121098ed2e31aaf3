package hotstore

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"
)

// Memory — in-process Storage для тестов и режима без Redis.
type Memory struct {
	mu      sync.Mutex
	now     func() time.Time
	strings map[string]memValue
	hashes  map[string]map[string][]byte
}

type memValue struct {
	data    []byte
	expires time.Time
}

var _ Storage = (*Memory)(nil)

// NewMemory returns an empty store on the real clock.
func NewMemory() *Memory {
	return NewMemoryWithClock(time.Now)
}

// NewMemoryWithClock lets tests drive TTL expiry.
func NewMemoryWithClock(now func() time.Time) *Memory {
	return &Memory{
		now:     now,
		strings: make(map[string]memValue),
		hashes:  make(map[string]map[string][]byte),
	}
}

func (m *Memory) live(key string) (memValue, bool) {
	v, ok := m.strings[key]
	if !ok {
		return memValue{}, false
	}
	if !v.expires.IsZero() && !m.now().Before(v.expires) {
		delete(m.strings, key)
		return memValue{}, false
	}
	return v, true
}

func (m *Memory) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.live(key)
	if !ok {
		return nil, ErrNotFound
	}
	return clone(v.data), nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strings[key] = memValue{data: clone(value), expires: m.expiry(ttl)}
	return nil
}

func (m *Memory) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.live(key); ok {
		return false, nil
	}
	m.strings[key] = memValue{data: clone(value), expires: m.expiry(ttl)}
	return true, nil
}

func (m *Memory) CompareAndExpire(_ context.Context, key string, expected []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.live(key)
	if !ok || !bytes.Equal(v.data, expected) {
		return false, nil
	}
	v.expires = m.expiry(ttl)
	m.strings[key] = v
	return true, nil
}

func (m *Memory) CompareAndDelete(_ context.Context, key string, expected []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.live(key)
	if !ok || !bytes.Equal(v.data, expected) {
		return false, nil
	}
	delete(m.strings, key)
	return true, nil
}

func (m *Memory) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.strings, k)
		delete(m.hashes, k)
	}
	return nil
}

func (m *Memory) Scan(_ context.Context, pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for k := range m.strings {
		if _, ok := m.live(k); !ok {
			continue
		}
		if matchGlob(pattern, k) {
			out = append(out, k)
		}
	}
	for k := range m.hashes {
		if matchGlob(pattern, k) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) HGet(_ context.Context, key, field string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.hashes[key][field]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(v), nil
}

func (m *Memory) HMGet(_ context.Context, key string, fields ...string) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(fields))
	h := m.hashes[key]
	for i, f := range fields {
		if v, ok := h[f]; ok {
			out[i] = clone(v)
		}
	}
	return out, nil
}

func (m *Memory) HGetAll(_ context.Context, key string) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]byte, len(m.hashes[key]))
	for f, v := range m.hashes[key] {
		out[f] = clone(v)
	}
	return out, nil
}

func (m *Memory) HSet(_ context.Context, key string, values map[string][]byte) error {
	if len(values) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string][]byte, len(values))
		m.hashes[key] = h
	}
	for f, v := range values {
		h[f] = clone(v)
	}
	return nil
}

func (m *Memory) HDel(_ context.Context, key string, fields ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.hashes[key]
	for _, f := range fields {
		delete(h, f)
	}
	if len(h) == 0 {
		delete(m.hashes, key)
	}
	return nil
}

func (m *Memory) HKeys(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.hashes[key]))
	for f := range m.hashes[key] {
		out = append(out, f)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) Ping(context.Context) error { return nil }
func (m *Memory) Close() error               { return nil }

// matchGlob follows Redis MATCH: '*' and '?' cross '/', '[...]' with '^'
// negation and ranges, a backslash escapes the next byte.
func matchGlob(pattern, s string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case '*':
			for len(pattern) > 1 && pattern[1] == '*' {
				pattern = pattern[1:]
			}
			if len(pattern) == 1 {
				return true
			}
			for i := 0; i <= len(s); i++ {
				if matchGlob(pattern[1:], s[i:]) {
					return true
				}
			}
			return false
		case '?':
			if len(s) == 0 {
				return false
			}
		case '[':
			if len(s) == 0 {
				return false
			}
			n, ok := matchClass(pattern, s[0])
			if !ok {
				return false
			}
			pattern = pattern[n:]
			s = s[1:]
			continue
		case '\\':
			if len(pattern) > 1 {
				pattern = pattern[1:]
			}
			fallthrough
		default:
			if len(s) == 0 || pattern[0] != s[0] {
				return false
			}
		}
		pattern = pattern[1:]
		s = s[1:]
	}
	return len(s) == 0
}

// matchClass matches c against the class at the head of pattern and
// returns the class length. An unterminated class runs to the end.
func matchClass(pattern string, c byte) (int, bool) {
	i := 1
	negate := i < len(pattern) && pattern[i] == '^'
	if negate {
		i++
	}
	found := false
	for ; i < len(pattern) && pattern[i] != ']'; i++ {
		switch {
		case pattern[i] == '\\' && i+1 < len(pattern):
			i++
			found = found || pattern[i] == c
		case i+2 < len(pattern) && pattern[i+1] == '-' && pattern[i+2] != ']':
			lo, hi := pattern[i], pattern[i+2]
			if lo > hi {
				lo, hi = hi, lo
			}
			found = found || (c >= lo && c <= hi)
			i += 2
		default:
			found = found || pattern[i] == c
		}
	}
	if i < len(pattern) {
		i++ // ']'
	}
	return i, found != negate
}
