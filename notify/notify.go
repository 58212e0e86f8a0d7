// Package notify delivers operator notifications for events that need a
// human: review convergence, budget exhaustion, fatal agent errors.
//
// Delivery is best-effort everywhere. Callers fire and forget; a failed
// notification never changes core state.
package notify

import (
	"context"
	"os/exec"
	"strings"

	"github.com/foremanproject/foreman/emit"
)

// Notifier delivers one notification.
type Notifier interface {
	Notify(ctx context.Context, title, message string) error
}

// Null discards notifications.
type Null struct{}

func (Null) Notify(context.Context, string, string) error { return nil }

// Emit reports notifications as observability events, useful when the
// operator watches logs rather than desktop popups.
type Emit struct {
	Emitter emit.Emitter
}

func (e Emit) Notify(_ context.Context, title, message string) error {
	e.Emitter.Emit(emit.Event{
		Msg:  "notification",
		Meta: map[string]interface{}{"title": title, "message": message},
	})
	return nil
}

// Command runs a configured argv, substituting {title} and {message}
// placeholders. This covers terminal-notifier, notify-send, or any
// operator-provided script.
type Command struct {
	Argv []string
}

func (c Command) Notify(ctx context.Context, title, message string) error {
	if len(c.Argv) == 0 {
		return nil
	}
	args := make([]string, len(c.Argv))
	for i, a := range c.Argv {
		a = strings.ReplaceAll(a, "{title}", title)
		a = strings.ReplaceAll(a, "{message}", message)
		args[i] = a
	}
	return exec.CommandContext(ctx, args[0], args[1:]...).Run()
}

// Multi fans one notification out to several notifiers, returning the
// first error only after all have been attempted.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, title, message string) error {
	var firstErr error
	for _, n := range m {
		if err := n.Notify(ctx, title, message); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
