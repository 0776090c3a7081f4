// Package notify raises desktop notifications for items that need an operator.
package notify

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
)

var ErrUnsupported = errors.New("desktop notifications not supported on this platform")

// Desktop sends notifications through the platform's notifier command.
type Desktop struct {
	goos string
	run  func(ctx context.Context, name string, args ...string) ([]byte, error)
}

func NewDesktop() *Desktop {
	return &Desktop{goos: runtime.GOOS, run: runCommand}
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Send shows a notification. On macOS this uses osascript, on Linux notify-send.
func (d *Desktop) Send(ctx context.Context, title, message string) error {
	name, args, err := d.command(title, message)
	if err != nil {
		return err
	}
	if out, err := d.run(ctx, name, args...); err != nil {
		return fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (d *Desktop) command(title, message string) (string, []string, error) {
	switch d.goos {
	case "darwin":
		script := fmt.Sprintf(
			`display notification "%s" with title "%s" sound name "default"`,
			escapeAppleScript(message), escapeAppleScript(title),
		)
		return "osascript", []string{"-e", script}, nil
	case "linux", "freebsd", "openbsd":
		return "notify-send", []string{"--app-name=foreman", title, message}, nil
	default:
		return "", nil, fmt.Errorf("%w: %s", ErrUnsupported, d.goos)
	}
}

func escapeAppleScript(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}
