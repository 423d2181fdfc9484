package listener

import (
	"context"
	"log/slog"
	"sync"
)

type Job interface {
	Start(ctx context.Context)
	Stop()
}

// Listener drains a channel in a background goroutine and hands every
// input to the handler. Handler errors are reported to onError and do not
// stop the loop.
type Listener[T any] struct {
	name        string
	handler     func(input T) error
	onError     func(input T, err error)
	stopHandler func()

	in     <-chan T
	wg     sync.WaitGroup
	cancel func()
	once   sync.Once
}

type Option[T any] func(*Listener[T])

func WithErrorHandler[T any](fn func(T, error)) Option[T] {
	return func(l *Listener[T]) {
		l.onError = fn
	}
}

func WithStopHandler[T any](fn func()) Option[T] {
	return func(l *Listener[T]) {
		l.stopHandler = fn
	}
}

func New[T any](name string, in <-chan T, handler func(T) error, opts ...Option[T]) *Listener[T] {
	l := &Listener[T]{
		name:        name,
		in:          in,
		handler:     handler,
		cancel:      func() {},
		stopHandler: func() {},
	}
	l.onError = func(_ T, err error) {
		slog.Error("listener handler failed", "listener", l.name, "error", err)
	}

	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Listener[T]) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)

	go func() {
		defer l.wg.Done()
		for {
			select {
			case inp, ok := <-l.in:
				if !ok {
					return
				}
				if err := l.handler(inp); err != nil {
					l.onError(inp, err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels the loop, waits for the in-flight input and runs the stop
// handler once.
func (l *Listener[T]) Stop() {
	l.once.Do(func() {
		l.cancel()
		l.wg.Wait()
		l.stopHandler()
	})
}
