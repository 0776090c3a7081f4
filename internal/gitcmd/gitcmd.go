// Package gitcmd runs the git binary for workspaces and integration.
package gitcmd

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

var identity = []string{
	"GIT_AUTHOR_NAME=foreman",
	"GIT_AUTHOR_EMAIL=foreman@localhost",
	"GIT_COMMITTER_NAME=foreman",
	"GIT_COMMITTER_EMAIL=foreman@localhost",
}

// Env is the process environment plus a committer identity for every
// identity variable the environment leaves unset.
func Env() []string {
	env := os.Environ()
	for _, kv := range identity {
		k, _, _ := strings.Cut(kv, "=")
		if os.Getenv(k) == "" {
			env = append(env, kv)
		}
	}
	return env
}

// Run executes git in dir and returns trimmed stdout. Stderr is folded into the error.
func Run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = Env()
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git %s: %s (%w)", strings.Join(args, " "), strings.TrimSpace(stderr.String()), err)
	}
	return strings.TrimSpace(string(out)), nil
}
