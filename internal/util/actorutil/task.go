package actorutil

import (
	"errors"
	"time"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/primetalk/goio/io"
)

// SafeBackgroundTask runs fn off the actor goroutine. Callbacks run on the
// task goroutine, so they must not use the actor context; PipeTo sends the
// result through the actor system root instead.
type SafeBackgroundTask[T any] struct {
	root      *actor.RootContext
	fn        func() (*T, error)
	timeout   *time.Duration
	onError   func(error)
	recover   func(error) T
	onSuccess func(T)
}

func NewBackgroundTask[T any](ctx actor.Context, fn func() (*T, error)) *SafeBackgroundTask[T] {
	return &SafeBackgroundTask[T]{
		root: ctx.ActorSystem().Root,
		fn:   fn,
	}
}

func NewBackgroundTaskNoError[T any](ctx actor.Context, fn func() *T) *SafeBackgroundTask[T] {
	return &SafeBackgroundTask[T]{
		root: ctx.ActorSystem().Root,
		fn: func() (*T, error) {
			return fn(), nil
		},
	}
}

func (t *SafeBackgroundTask[T]) WithTimeout(timeout time.Duration) *SafeBackgroundTask[T] {
	t.timeout = &timeout
	return t
}

func (t *SafeBackgroundTask[T]) OnError(fn func(error)) *SafeBackgroundTask[T] {
	t.onError = fn
	return t
}

// Recover maps a failure, panics included, to a value delivered like a
// success.
func (t *SafeBackgroundTask[T]) Recover(fn func(error) T) *SafeBackgroundTask[T] {
	t.recover = fn
	return t
}

func (t *SafeBackgroundTask[T]) OnSuccess(fn func(T)) *SafeBackgroundTask[T] {
	t.onSuccess = fn
	return t
}

// PipeTo starts the task and sends its value to pid.
func (t *SafeBackgroundTask[T]) PipeTo(pid *actor.PID) {
	root := t.root
	t.onSuccess = func(value T) {
		root.Send(pid, value)
	}
	go t.Run()
}

// Run executes the task on the calling goroutine.
func (t *SafeBackgroundTask[T]) Run() {
	bgFn := io.Eval(t.fn)
	bg := io.Map(bgFn, func(a *T) T {
		if a != nil {
			return *a
		}
		panic(errors.New("result is nil"))
	})
	if t.timeout != nil {
		bg = io.WithTimeout[T](*t.timeout)(bg)
	}
	result := io.RunSync(bg)
	finalValue := result.Value
	if result.Error != nil {
		if t.recover != nil {
			finalValue = t.recover(result.Error)
		} else {
			if t.onError != nil {
				t.onError(result.Error)
			}
			return
		}
	}

	if t.onSuccess != nil {
		t.onSuccess(finalValue)
	}
}
