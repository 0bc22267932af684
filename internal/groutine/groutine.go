package groutine

import (
	"context"
	"fmt"
	"runtime/debug"
	"runtime/pprof"

	"github.com/sirupsen/logrus"
)

type ctxKey string

const goroutineNameKey ctxKey = "goroutine_name"

// Task is a named goroutine started by Go. Done is closed when the goroutine returns.
type Task struct {
	name string
	done chan struct{}
	err  error
}

// Name returns the goroutine name
func (t *Task) Name() string {
	return t.name
}

// Done is closed once the goroutine has exited (normally or by panic).
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Err returns the recovered panic as an error; valid only after Done is closed.
func (t *Task) Err() error {
	<-t.done
	return t.err
}

// Go starts fn in a goroutine labeled with name for pprof and returns its Task.
// A panic inside fn is recovered, logged with its stack and surfaced through Task.Err.
//
// Example usage:
//
//	task := groutine.Go(ctx, "read-pump:AA:BB:CC:DD:EE:FF", logger, func(ctx context.Context) {
//	    // work
//	})
//	<-task.Done()
//
// If parentCtx is nil, context.Background() is used. If logger is nil, panics are not logged.
func Go(parentCtx context.Context, name string, logger *logrus.Logger, fn func(ctx context.Context)) *Task {
	if parentCtx == nil {
		parentCtx = context.Background()
	}

	task := &Task{name: name, done: make(chan struct{})}
	labels := pprof.Labels("goroutine_name", name)

	go pprof.Do(parentCtx, labels, func(ctx context.Context) {
		defer close(task.done)
		defer func() {
			if r := recover(); r != nil {
				task.err = fmt.Errorf("goroutine %q panicked: %v", name, r)
				if logger != nil {
					logger.WithFields(logrus.Fields{
						"goroutine": name,
						"panic":     r,
						"stack":     string(debug.Stack()),
					}).Error("Recovered panic in goroutine")
				}
			}
		}()

		fn(context.WithValue(ctx, goroutineNameKey, name))
	})

	return task
}

// GetName retrieves the goroutine name from the context.
func GetName(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v := ctx.Value(goroutineNameKey); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
