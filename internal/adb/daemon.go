package adb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
)

// Daemon controls the lifecycle of the adb server process and the
// operations goadb does not expose (network connect, tcpip switch).
type Daemon interface {
	StartServer(ctx context.Context) error
	KillServer(ctx context.Context) error
	ForceKill(ctx context.Context) error
	Connect(ctx context.Context, address string) error
	TCPIP(ctx context.Context, serial string, port int) error
}

// CommandDaemon drives the adb binary directly. goadb's own StartServer is
// not used because a stale server on an older protocol never answers it.
type CommandDaemon struct {
	adbPath string
}

func NewCommandDaemon(adbPath string) *CommandDaemon {
	if adbPath == "" {
		adbPath = "adb"
	}
	return &CommandDaemon{adbPath: adbPath}
}

func (daemon *CommandDaemon) StartServer(ctx context.Context) error {
	if _, errOut, err := daemon.run(ctx, "", "start-server"); err != nil {
		return fmt.Errorf("adb start-server failed: %v: %s", err, strings.TrimSpace(errOut))
	}
	return nil
}

func (daemon *CommandDaemon) KillServer(ctx context.Context) error {
	if _, errOut, err := daemon.run(ctx, "", "kill-server"); err != nil {
		return fmt.Errorf("adb kill-server failed: %v: %s", err, strings.TrimSpace(errOut))
	}
	return nil
}

// ForceKill terminates every adb server process on the host.
func (daemon *CommandDaemon) ForceKill(ctx context.Context) error {
	var killCommand *exec.Cmd

	if runtime.GOOS == "windows" {
		killCommand = exec.CommandContext(ctx, "taskkill", "/F", "/IM", "adb.exe")
	} else {
		killCommand = exec.CommandContext(ctx, "pkill", "-x", "adb")
	}

	var errorBuf bytes.Buffer
	killCommand.Stderr = &errorBuf

	if err := killCommand.Run(); err != nil {
		// pkill exits 1 when nothing matched, which is the desired end state.
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 && runtime.GOOS != "windows" {
			return nil
		}
		return fmt.Errorf("force kill adb: %v: %s", err, strings.TrimSpace(errorBuf.String()))
	}

	return nil
}

// Connect attaches a network transport. adb exits 0 even when the connection
// is refused, so the output is inspected.
func (daemon *CommandDaemon) Connect(ctx context.Context, address string) error {
	if address == "" {
		return errors.New("address is required")
	}

	out, errOut, err := daemon.run(ctx, "", "connect", address)
	if err != nil {
		return fmt.Errorf("adb connect %s failed: %v: %s", address, err, strings.TrimSpace(errOut))
	}

	return parseConnectOutput(address, out)
}

func (daemon *CommandDaemon) TCPIP(ctx context.Context, serial string, port int) error {
	if serial == "" {
		return errors.New("serial is required")
	}

	out, errOut, err := daemon.run(ctx, serial, "tcpip", strconv.Itoa(port))
	if err != nil {
		return fmt.Errorf("adb tcpip failed: %v: %s", err, strings.TrimSpace(errOut))
	}

	if strings.Contains(out, "error") {
		return fmt.Errorf("adb tcpip error: %s", strings.TrimSpace(out))
	}

	return nil
}

func parseConnectOutput(address string, out string) error {
	trimmed := strings.TrimSpace(out)
	if strings.HasPrefix(trimmed, "connected to") || strings.HasPrefix(trimmed, "already connected to") {
		return nil
	}
	return fmt.Errorf("adb connect %s: %s", address, trimmed)
}

func (daemon *CommandDaemon) run(ctx context.Context, serial string, args ...string) (stdout string, stderr string, err error) {
	argumentsArray := make([]string, 0, len(args)+2)

	if serial != "" {
		argumentsArray = append(argumentsArray, "-s", serial)
	}

	argumentsArray = append(argumentsArray, args...)

	adbCommand := exec.CommandContext(ctx, daemon.adbPath, argumentsArray...)

	var outBuf, errorBuf bytes.Buffer

	adbCommand.Stdout = &outBuf
	adbCommand.Stderr = &errorBuf

	err = adbCommand.Run()
	return outBuf.String(), errorBuf.String(), err
}
