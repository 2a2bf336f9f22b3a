package adb

import (
	"context"
	"log/slog"
	"strings"

	"github.com/TinkerUp/sideload-core/internal/errs"
)

const maxLoggedOutput = 256

// Gateway runs single shell commands against a device. It holds no state and
// never retries; callers decide whether a failure is worth another attempt.
type Gateway struct {
	client ADBClient
	log    *slog.Logger
}

func NewGateway(client ADBClient, log *slog.Logger) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{
		client: client,
		log:    log.With("component", "shell"),
	}
}

// Run executes command on the device with the given serial and returns the
// trimmed output. Failures are returned as *errs.CommandError.
func (g *Gateway) Run(ctx context.Context, serial string, command string) (string, error) {
	return g.run(ctx, serial, command, false)
}

// RunLogged is Run with the command and its truncated output logged at debug level.
func (g *Gateway) RunLogged(ctx context.Context, serial string, command string) (string, error) {
	return g.run(ctx, serial, command, true)
}

func (g *Gateway) run(ctx context.Context, serial string, command string, logCommand bool) (string, error) {
	if logCommand {
		g.log.DebugContext(ctx, "running shell command", "serial", serial, "command", command)
	}

	out, err := g.client.Shell(ctx, serial, command)
	if err != nil {
		return "", &errs.CommandError{Serial: serial, Command: command, Err: err}
	}

	result := strings.TrimSpace(out)
	if logCommand && result != "" {
		g.log.DebugContext(ctx, "command returned", "serial", serial, "result", truncate(result, maxLoggedOutput))
	}

	return result, nil
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
