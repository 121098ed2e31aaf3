// Package hotstore is the low-latency key-value store behind every hot
// series, lease and counter: per-key hashes plus plain strings with TTL.
package hotstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound возвращается, если ключа или поля нет.
var ErrNotFound = errors.New("hotstore: not found")

// Storage описывает контракт горячего хранилища.
type Storage interface {
	// Get возвращает строковое значение или ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set сохраняет значение; ttl <= 0 — без истечения.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX сохраняет значение, только если ключа нет. true — записали.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// CompareAndExpire продлевает ttl, если текущее значение равно expected.
	CompareAndExpire(ctx context.Context, key string, expected []byte, ttl time.Duration) (bool, error)
	// CompareAndDelete удаляет ключ, если текущее значение равно expected.
	CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error)
	// Delete удаляет ключи целиком (строки или хеши).
	Delete(ctx context.Context, keys ...string) error
	// Scan возвращает ключи по glob-шаблону.
	Scan(ctx context.Context, pattern string) ([]string, error)

	// HGet возвращает поле хеша или ErrNotFound.
	HGet(ctx context.Context, key, field string) ([]byte, error)
	// HMGet возвращает значения полей в том же порядке; nil для отсутствующих.
	HMGet(ctx context.Context, key string, fields ...string) ([][]byte, error)
	// HGetAll возвращает весь хеш.
	HGetAll(ctx context.Context, key string) (map[string][]byte, error)
	// HSet записывает поля (last-write-wins).
	HSet(ctx context.Context, key string, values map[string][]byte) error
	// HDel удаляет поля.
	HDel(ctx context.Context, key string, fields ...string) error
	// HKeys перечисляет поля хеша.
	HKeys(ctx context.Context, key string) ([]string, error)

	Ping(ctx context.Context) error
	Close() error
}
