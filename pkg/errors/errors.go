package errors

import (
	"context"
	"errors"

	"github.com/nmxmxh/iot-realtime/pkg/logger"
	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

var (
	// ErrDeviceNotFound is returned when a device id is not in the directory.
	ErrDeviceNotFound = errors.New("device not found")
	// ErrInvalidInput is returned when a client payload fails validation.
	ErrInvalidInput = errors.New("invalid input")
	// ErrMalformedDevice is returned when a device record cannot be used.
	ErrMalformedDevice = errors.New("malformed device record")
	// ErrUpdateInProgress is returned when a device already has an active firmware update.
	ErrUpdateInProgress = errors.New("firmware update already in progress")
	// ErrNoActiveUpdate is returned when cancelling a device with no running update.
	ErrNoActiveUpdate = errors.New("no active firmware update")
	// ErrUnknownIntent is returned for client messages with an unrecognised type.
	ErrUnknownIntent = errors.New("unknown intent")
	// ErrHubClosed is returned when work is submitted after shutdown.
	ErrHubClosed = errors.New("hub closed")
)

// New creates a new error with the given message.
func New(msg string) error {
	return errors.New(msg)
}

// Wrap annotates err with msg and a stack trace, keeping it matchable with errors.Is.
func Wrap(err error, msg string) error {
	return pkgerrors.Wrap(err, msg)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// LogWithError logs the error with context and returns a wrapped error.
func LogWithError(ctx context.Context, log *zap.Logger, msg string, err error, fields ...zap.Field) error {
	if log != nil {
		if ctx != nil {
			if reqID, ok := ctx.Value(requestIDKey{}).(string); ok && reqID != "" {
				fields = append(fields, zap.String("request_id", reqID))
			}
			if connID := logger.ConnectionID(ctx); connID != "" {
				fields = append(fields, zap.String("connection_id", connID))
			}
		}
		log.Error(msg, append(fields, zap.Error(err))...)
	}
	return Wrap(err, msg)
}

type requestIDKey struct{}

// WithRequestID tags ctx with a request id picked up by LogWithError.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}
