// common/kafka/interface.go
//
// Пакет kafka — контракты обмена сообщениями без привязки к драйверу.
package kafka

import (
	"context"
	"time"
)

// Message — запись, прочитанная из топика.
type Message struct {
	Key       []byte
	Value     []byte
	Topic     string
	Partition int32
	Offset    int64
	Timestamp time.Time
	Headers   map[string][]byte
}

// Header returns a header value as string ("" if absent).
func (m *Message) Header(key string) string {
	if m == nil || m.Headers == nil {
		return ""
	}
	return string(m.Headers[key])
}

// Consumer читает топики группой.
//
// Consume блокирует до отмены ctx. Сообщение, на котором handler вернул
// ошибку, не коммитится.
type Consumer interface {
	Consume(ctx context.Context, topics []string, handler func(ctx context.Context, msg *Message) error) error
	Close() error
}

// Producer публикует сообщения. Заголовки берутся из ctx (см. WithHeaders).
type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
	Ping(ctx context.Context) error
	Close() error
}

type headersKey struct{}

// WithHeaders attaches message headers for the next Publish on ctx.
// Repeated calls merge, later keys win.
func WithHeaders(ctx context.Context, h map[string]string) context.Context {
	merged := make(map[string]string, len(h))
	for k, v := range HeadersFrom(ctx) {
		merged[k] = v
	}
	for k, v := range h {
		merged[k] = v
	}
	return context.WithValue(ctx, headersKey{}, merged)
}

// HeadersFrom returns headers set by WithHeaders (nil if none).
func HeadersFrom(ctx context.Context) map[string]string {
	h, _ := ctx.Value(headersKey{}).(map[string]string)
	return h
}
