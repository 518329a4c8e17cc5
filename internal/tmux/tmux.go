// Package tmux opens one tmux session per stack with an ssh window for
// every host.
package tmux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// ErrTmuxNotFound is returned when tmux is not on PATH.
var ErrTmuxNotFound = errors.New("tmux not found in PATH")

// Window is one ssh target.
type Window struct {
	Name     string
	Hostname string
	Keyfile  string
	Login    string
}

// Command is the shell command typed into the window.
func (w Window) Command() string {
	parts := []string{"ssh", "-A", "-o", "StrictHostKeyChecking=no"}
	if w.Keyfile != "" {
		parts = append(parts, "-i", quote(w.Keyfile))
	}
	target := w.Hostname
	if w.Login != "" {
		target = w.Login + "@" + target
	}
	return strings.Join(append(parts, quote(target)), " ")
}

func quote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\n'\"\\$`;&|<>()*?[]{}!#~") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// runTmux runs tmux and returns its trimmed stdout.
var (
	lookPath = exec.LookPath
	runTmux  = func(ctx context.Context, interactive bool, args ...string) (string, error) {
		cmd := exec.CommandContext(ctx, "tmux", args...)
		if interactive {
			cmd.Stdin = os.Stdin
			cmd.Stdout = os.Stdout
			cmd.Stderr = os.Stderr
			return "", cmd.Run()
		}
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		out, err := cmd.Output()
		if err != nil {
			return "", fmt.Errorf("tmux %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
		}
		return strings.TrimSpace(string(out)), nil
	}
)

// sessionName is name as tmux stores it: "." and ":" are target
// separators and tmux replaces them.
func sessionName(name string) string {
	return strings.NewReplacer(".", "_", ":", "_").Replace(name)
}

// Attach replaces any session called session with a fresh one holding one
// window per entry of windows, in order, and attaches the terminal to it.
// Windows are addressed by tmux window id, never by name.
func Attach(ctx context.Context, session string, windows []Window) error {
	if _, err := lookPath("tmux"); err != nil {
		return fmt.Errorf("%w: %v", ErrTmuxNotFound, err)
	}
	if len(windows) == 0 {
		return fmt.Errorf("stack %s has no hosts to attach to", session)
	}
	exact := "=" + sessionName(session)

	// Fails when no such session exists.
	_, _ = runTmux(ctx, false, "kill-session", "-t", exact)

	id, err := runTmux(ctx, false, "new-session", "-d", "-s", sessionName(session), "-n", windows[0].Name, "-P", "-F", "#{window_id}")
	if err != nil {
		return err
	}
	ids := []string{id}
	for _, w := range windows[1:] {
		id, err := runTmux(ctx, false, "new-window", "-a", "-t", ids[len(ids)-1], "-n", w.Name, "-P", "-F", "#{window_id}")
		if err != nil {
			return err
		}
		ids = append(ids, id)
	}
	for i, w := range windows {
		if _, err := runTmux(ctx, false, "send-keys", "-t", ids[i], w.Command(), "C-m"); err != nil {
			return err
		}
	}
	if _, err := runTmux(ctx, false, "select-window", "-t", ids[0]); err != nil {
		return err
	}
	_, err = runTmux(ctx, true, "attach-session", "-t", exact)
	return err
}
