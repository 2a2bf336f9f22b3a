package session

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/TinkerUp/sideload-core/internal/errs"
)

// ScriptNames are the file names recognized as a custom install script.
var ScriptNames = []string{"install.txt", "Install.txt"}

type scriptVerb string

const (
	verbInstall   scriptVerb = "install"
	verbUninstall scriptVerb = "uninstall"
	verbPush      scriptVerb = "push"
	verbShell     scriptVerb = "shell"
)

type scriptCommand struct {
	line int
	raw  string
	verb scriptVerb
	args []string
}

var scriptArgPattern = regexp.MustCompile(`"[^"]+"|[^ ]+`)

// parseScript reads an install script. Blank lines and # comments are
// skipped; anything that is not a supported adb command fails the whole
// script before any command runs.
func parseScript(r io.Reader) ([]scriptCommand, error) {
	var commands []scriptCommand

	scanner := bufio.NewScanner(r)
	lineNumber := 0

	for scanner.Scan() {
		lineNumber++

		raw := strings.TrimSpace(scanner.Text())
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}

		line := strings.TrimSpace(strings.ReplaceAll(raw, " > NUL 2>&1", ""))

		args := scriptArgPattern.FindAllString(line, -1)
		for i, arg := range args {
			args[i] = strings.Trim(arg, `"`)
		}

		if len(args) < 2 || args[0] != "adb" {
			return nil, fmt.Errorf("%w: line %d: %q", errs.ErrUnsupportedScript, lineNumber, raw)
		}

		command := scriptCommand{line: lineNumber, raw: line, verb: scriptVerb(args[1]), args: args[2:]}

		switch command.verb {
		case verbInstall:
			if apkArgument(command.args) == "" {
				return nil, fmt.Errorf("%w: line %d: install without an apk", errs.ErrUnsupportedScript, lineNumber)
			}
		case verbUninstall:
			if len(command.args) == 0 {
				return nil, fmt.Errorf("%w: line %d: uninstall without a package", errs.ErrUnsupportedScript, lineNumber)
			}
		case verbPush:
			if len(command.args) != 2 {
				return nil, fmt.Errorf("%w: line %d: push needs a source and a destination", errs.ErrUnsupportedScript, lineNumber)
			}
		case verbShell:
			if len(command.args) == 0 {
				return nil, fmt.Errorf("%w: line %d: empty shell command", errs.ErrUnsupportedScript, lineNumber)
			}
		default:
			return nil, fmt.Errorf("%w: line %d: unknown adb command %q", errs.ErrUnsupportedScript, lineNumber, args[1])
		}

		commands = append(commands, command)
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return commands, nil
}

func apkArgument(args []string) string {
	for _, arg := range args {
		if strings.HasSuffix(strings.ToLower(arg), ".apk") {
			return arg
		}
	}
	return ""
}

// isShellUninstall matches `adb shell pm uninstall <pkg>`.
func (c scriptCommand) isShellUninstall() bool {
	return c.verb == verbShell && len(c.args) > 2 && c.args[0] == "pm" && c.args[1] == "uninstall"
}

func findScript(contentDir string) (string, bool) {
	for _, name := range ScriptNames {
		scriptPath := filepath.Join(contentDir, name)
		if info, err := os.Stat(scriptPath); err == nil && !info.IsDir() {
			return scriptPath, true
		}
	}
	return "", false
}

// RunScript executes the install script at scriptPath. Paths in install and
// push commands are relative to the script's directory. Uninstall commands
// are logged and skipped so script-driven updates keep the game's data.
func (s *Session) RunScript(ctx context.Context, scriptPath string) error {
	file, err := os.Open(scriptPath)
	if err != nil {
		return err
	}
	commands, err := parseScript(file)
	file.Close()
	if err != nil {
		return err
	}

	contentDir := filepath.Dir(scriptPath)

	for _, command := range commands {
		if err := ctx.Err(); err != nil {
			return err
		}

		s.log.InfoContext(ctx, "install script: running command", "line", command.line, "command", command.raw)

		if err := s.runScriptCommand(ctx, contentDir, command); err != nil {
			return fmt.Errorf("install script line %d: %w", command.line, err)
		}
	}

	return nil
}

func (s *Session) runScriptCommand(ctx context.Context, contentDir string, command scriptCommand) error {
	switch {
	case command.verb == verbInstall:
		reinstall := false
		grant := false
		for _, arg := range command.args {
			switch arg {
			case "-r":
				reinstall = true
			case "-g":
				grant = true
			}
		}
		return s.Install(ctx, filepath.Join(contentDir, apkArgument(command.args)), reinstall, grant)

	case command.verb == verbUninstall, command.isShellUninstall():
		s.log.InfoContext(ctx, "install script: skipping uninstall to keep app data", "command", command.raw)
		return nil

	case command.verb == verbPush:
		source := filepath.Join(contentDir, command.args[0])
		destination := command.args[1]

		info, err := os.Stat(source)
		if err != nil {
			return fmt.Errorf("%w: push source %s: %w", errs.ErrUnsupportedScript, command.args[0], err)
		}

		if info.IsDir() {
			return s.PushDirectory(ctx, source, path.Join(destination, filepath.Base(source)))
		}
		if strings.HasSuffix(destination, "/") {
			destination += filepath.Base(source)
		}
		return s.PushFile(ctx, source, destination)

	default:
		args := make([]string, len(command.args))
		for i, arg := range command.args {
			if strings.Contains(arg, " ") {
				arg = `"` + arg + `"`
			}
			args[i] = arg
		}
		_, err := s.shell.RunLogged(ctx, s.Serial(), strings.Join(args, " "))
		return err
	}
}
