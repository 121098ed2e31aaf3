package safe

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"

	"github.com/YaganovValera/candle-feeder/common/logger"
)

// PanicError оборачивает значение recover() вместе со стеком.
type PanicError struct {
	Value interface{}
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

// Call выполняет fn и превращает panic в *PanicError.
func Call(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return fn()
}

// Group — аналог errgroup.Group с защитой от panic.
// Первая ошибка или panic отменяет контекст группы.
type Group struct {
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	log    *logger.Logger

	once sync.Once
	err  error
}

// New создаёт группу с производным контекстом.
func New(ctx context.Context, log *logger.Logger) *Group {
	ctx, cancel := context.WithCancel(ctx)
	return &Group{ctx: ctx, cancel: cancel, log: log.Named("safe")}
}

// Go запускает защищённую goroutine.
func (g *Group) Go(fn func(ctx context.Context) error) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		err := Call(func() error { return fn(g.ctx) })
		if err == nil {
			return
		}
		if pe, ok := err.(*PanicError); ok {
			g.log.Error("panic recovered", zap.Any("panic", pe.Value), zap.ByteString("stack", pe.Stack))
		} else if g.ctx.Err() == nil {
			g.log.Error("goroutine error", zap.Error(err))
		}
		g.once.Do(func() {
			g.err = err
			g.cancel()
		})
	}()
}

// Wait блокирует до завершения всех goroutine и возвращает первую ошибку.
func (g *Group) Wait() error {
	g.wg.Wait()
	g.cancel()
	return g.err
}

// Context возвращает контекст группы.
func (g *Group) Context() context.Context { return g.ctx }
