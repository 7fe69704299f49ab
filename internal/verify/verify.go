// Package verify invokes the external build-verification collaborator.
package verify

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Error reports a failed or timed-out verification. A timeout is treated
// identically to a reported build failure.
type Error struct {
	Reason   string
	TimedOut bool
}

func (e *Error) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("build verification timed out: %s", e.Reason)
	}
	return fmt.Sprintf("build verification failed: %s", e.Reason)
}

// Verifier confirms that the tree under root still builds.
type Verifier interface {
	Verify(ctx context.Context, root string) error
}

// VerifierFunc adapts a function to the Verifier interface.
type VerifierFunc func(ctx context.Context, root string) error

// Verify implements Verifier.
func (f VerifierFunc) Verify(ctx context.Context, root string) error {
	return f(ctx, root)
}

// Nop returns a verifier that always succeeds, for runs with no configured
// build command.
func Nop() Verifier {
	return VerifierFunc(func(context.Context, string) error { return nil })
}

// Command runs an external build command in the tree root, with a timeout.
type Command struct {
	Argv    []string
	Timeout time.Duration
}

// NewCommand creates a command verifier. A zero timeout means no limit.
func NewCommand(argv []string, timeout time.Duration) *Command {
	return &Command{Argv: argv, Timeout: timeout}
}

// Verify implements Verifier by running the command synchronously.
func (c *Command) Verify(ctx context.Context, root string) error {
	if len(c.Argv) == 0 {
		return nil
	}

	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, c.Argv[0], c.Argv[1:]...)
	cmd.Dir = root
	out, err := cmd.CombinedOutput()
	if err == nil {
		return nil
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &Error{Reason: strings.Join(c.Argv, " "), TimedOut: true}
	}

	reason := strings.TrimSpace(string(out))
	if reason == "" {
		reason = err.Error()
	}
	return &Error{Reason: reason}
}
