// Package errs defines the error taxonomy shared by the device, session and
// task layers. Callers classify with errors.Is and errors.As.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrConnection          = errors.New("adb daemon unreachable")
	ErrNoDeviceConnection  = errors.New("no device connection")
	ErrDeviceUnreachable   = errors.New("device unreachable")
	ErrPackageNotFound     = errors.New("package not found")
	ErrInvalidPackageName  = errors.New("invalid package name")
	ErrCancelled           = errors.New("cancelled")
	ErrUnknown             = errors.New("unknown error")
	ErrNothingToBackup     = errors.New("nothing to back up")
	ErrInsufficientDisk    = errors.New("insufficient local disk space")
	ErrUnsupportedScript   = errors.New("unsupported install script command")
	ErrInvalidTaskOptions  = errors.New("invalid task options")
	ErrTaskNotFound        = errors.New("task not found")
	ErrTransitionForbidden = errors.New("invalid state transition")
)

type InstallErrorKind string

const (
	InstallGeneric             InstallErrorKind = "generic"
	InstallIncompatibleOS      InstallErrorKind = "incompatible_os"
	InstallInsufficientStorage InstallErrorKind = "insufficient_storage"
)

// InstallError is returned when the device rejects a package install.
type InstallError struct {
	Kind   InstallErrorKind
	Output string
	Err    error
}

func (e *InstallError) Error() string {
	msg := "install failed"
	if e.Kind != InstallGeneric && e.Kind != "" {
		msg += " (" + string(e.Kind) + ")"
	}
	if e.Output != "" {
		msg += ": " + e.Output
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *InstallError) Unwrap() error {
	return e.Err
}

// ClassifyInstallOutput maps package manager output to an install error kind.
func ClassifyInstallOutput(output string) InstallErrorKind {
	switch {
	case strings.Contains(output, "INSTALL_FAILED_OLDER_SDK"):
		return InstallIncompatibleOS
	case strings.Contains(output, "INSTALL_FAILED_INSUFFICIENT_STORAGE"),
		strings.Contains(output, "No space left on device"):
		return InstallInsufficientStorage
	default:
		return InstallGeneric
	}
}

type DownloadErrorKind string

const (
	DownloadGeneric          DownloadErrorKind = "generic"
	DownloadInsufficientDisk DownloadErrorKind = "insufficient_disk"
)

type DownloadError struct {
	Kind DownloadErrorKind
	Err  error
}

func (e *DownloadError) Error() string {
	if e.Err == nil {
		return "download failed"
	}
	return "download failed: " + e.Err.Error()
}

func (e *DownloadError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrInsufficientDisk) match the insufficient-disk kind.
func (e *DownloadError) Is(target error) bool {
	return target == ErrInsufficientDisk && e.Kind == DownloadInsufficientDisk
}

// CommandError wraps a failed shell round trip.
type CommandError struct {
	Serial  string
	Command string
	Err     error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("shell %q on %s: %v", e.Command, e.Serial, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}
