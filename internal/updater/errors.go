package updater

import (
	"context"
	"errors"
	"net"

	"github.com/breeze-rmm/updater/internal/backup"
	"github.com/breeze-rmm/updater/internal/downloader"
	"github.com/breeze-rmm/updater/internal/httputil"
	"github.com/breeze-rmm/updater/internal/installer"
	"github.com/breeze-rmm/updater/internal/integrity"
	"github.com/breeze-rmm/updater/internal/semver"
	"github.com/breeze-rmm/updater/pkg/api"
)

// Kind classifies why a workflow stage failed.
type Kind string

const (
	KindNetwork      Kind = "Network"
	KindParse        Kind = "Parse"
	KindIntegrity    Kind = "Integrity"
	KindDiskSpace    Kind = "DiskSpace"
	KindBackup       Kind = "Backup"
	KindInstallation Kind = "Installation"
	KindRollback     Kind = "Rollback"
	KindCancelled    Kind = "Cancelled"
	KindInternal     Kind = "Internal"
)

// Error is a classified workflow failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// classify maps a collaborator error to a Kind. Errors that match no known
// sentinel get fallback.
func classify(op string, fallback Kind, err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return newError(kindOf(err, fallback), op, err)
}

func kindOf(err error, fallback Kind) Kind {
	var (
		statusErr *httputil.StatusError
		parseErr  *semver.ParseError
		netErr    net.Error
	)
	switch {
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, downloader.ErrInsufficientDiskSpace):
		return KindDiskSpace
	case errors.Is(err, integrity.ErrChecksumMismatch),
		errors.Is(err, integrity.ErrUnsupportedAlgorithm),
		errors.Is(err, downloader.ErrMissingChecksum):
		return KindIntegrity
	case errors.Is(err, api.ErrMalformedResponse), errors.As(err, &parseErr):
		return KindParse
	case errors.Is(err, backup.ErrEmptySnapshot),
		errors.Is(err, backup.ErrBusy),
		errors.Is(err, backup.ErrVerifyFailed):
		return KindBackup
	case errors.Is(err, installer.ErrInstallerBusy),
		errors.Is(err, installer.ErrStartFailed),
		errors.Is(err, installer.ErrTimeout),
		errors.Is(err, installer.ErrUnsupported):
		return KindInstallation
	case errors.As(err, &statusErr), errors.As(err, &netErr), errors.Is(err, context.DeadlineExceeded):
		return KindNetwork
	}
	return fallback
}

// ErrorKind returns the Kind of err, or "" when err is not an *Error.
func ErrorKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
