package errors

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind represents the category of a failure
type Kind string

const (
	// KindBackendUnavailable means a backend could not be reached or is not live
	KindBackendUnavailable Kind = "backend_unavailable"
	// KindSnapshot means a backend rejected a snapshot request
	KindSnapshot Kind = "snapshot_error"
	// KindRestore means a backend rejected a restore request
	KindRestore Kind = "restore_error"
	// KindValidationFailed means post-restore validation did not pass
	KindValidationFailed Kind = "validation_failed"
	// KindCatalogWrite means the catalog could not persist a record
	KindCatalogWrite Kind = "catalog_write_error"
	// KindUndoUnavailable means the undo payload was purged or never captured
	KindUndoUnavailable Kind = "undo_unavailable"
	// KindNotFound represents a missing record or artifact
	KindNotFound Kind = "not_found"
	// KindConflict represents an operation refused because another one is in flight
	KindConflict Kind = "conflict"
	// KindInvalidArgument represents bad caller input
	KindInvalidArgument Kind = "invalid_argument"
	// KindInvalidState represents a forbidden state transition
	KindInvalidState Kind = "invalid_state"
	// KindConfiguration represents configuration errors
	KindConfiguration Kind = "configuration"
	// KindStorage represents artifact storage errors
	KindStorage Kind = "storage"
	// KindInterruption represents cancellation by the user
	KindInterruption Kind = "interruption"
	// KindUnknown represents unclassified errors
	KindUnknown Kind = "unknown"
)

// Error is the error type shared by every orchestration component
type Error struct {
	Kind    Kind
	Op      string
	Backend string
	Message string
	Cause   error
	Context map[string]interface{}
}

// Error implements the error interface
func (e *Error) Error() string {
	prefix := string(e.Kind)
	if e.Backend != "" {
		prefix = fmt.Sprintf("%s [%s]", prefix, e.Backend)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", prefix, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithContext adds context information to the error
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithBackend tags the error with the backend it concerns
func (e *Error) WithBackend(name string) *Error {
	e.Backend = name
	return e
}

// WithOp tags the error with the operation that produced it
func (e *Error) WithOp(op string) *Error {
	e.Op = op
	return e
}

// New creates a new error of the given kind
func New(kind Kind, message string, cause error) *Error {
	return &Error{
		Kind:    kind,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

func NewBackendUnavailable(backend, message string, cause error) *Error {
	return New(KindBackendUnavailable, message, cause).WithBackend(backend)
}

func NewSnapshotError(backend, message string, cause error) *Error {
	return New(KindSnapshot, message, cause).WithBackend(backend)
}

func NewRestoreError(backend, message string, cause error) *Error {
	return New(KindRestore, message, cause).WithBackend(backend)
}

func NewValidationFailed(message string, cause error) *Error {
	return New(KindValidationFailed, message, cause)
}

func NewCatalogWriteError(message string, cause error) *Error {
	return New(KindCatalogWrite, message, cause)
}

func NewUndoUnavailable(message string, cause error) *Error {
	return New(KindUndoUnavailable, message, cause)
}

func NewNotFound(message string, cause error) *Error {
	return New(KindNotFound, message, cause)
}

func NewConflict(message string, cause error) *Error {
	return New(KindConflict, message, cause)
}

func NewInvalidArgument(message string, cause error) *Error {
	return New(KindInvalidArgument, message, cause)
}

func NewInvalidState(message string, cause error) *Error {
	return New(KindInvalidState, message, cause)
}

func NewConfigurationError(message string, cause error) *Error {
	return New(KindConfiguration, message, cause)
}

func NewStorageError(message string, cause error) *Error {
	return New(KindStorage, message, cause)
}

// KindOf returns the kind of err, or KindUnknown
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind anywhere in its chain
func Is(err error, kind Kind) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Kind == kind {
			return true
		}
		err = e.Cause
	}
	return false
}

// IsBackendUnavailable reports whether err means a backend is down
func IsBackendUnavailable(err error) bool { return Is(err, KindBackendUnavailable) }

// IsUndoUnavailable reports whether err means an undo payload is gone
func IsUndoUnavailable(err error) bool { return Is(err, KindUndoUnavailable) }

// IsNotFound reports whether err means a record was not found
func IsNotFound(err error) bool { return Is(err, KindNotFound) }

// IsRetryable reports whether a caller may retry the operation.
// Components never retry internally.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindBackendUnavailable, KindStorage:
		return true
	default:
		return false
	}
}

// UserMessage returns operator guidance for an error
func UserMessage(err error) string {
	if err == nil {
		return ""
	}

	var e *Error
	if !errors.As(err, &e) {
		return "An unexpected error occurred. Please check the logs for more details."
	}

	switch e.Kind {
	case KindUndoUnavailable:
		return e.Message + ". Restore from the pre-operation backup instead."
	case KindCatalogWrite:
		return e.Message + ". The operation is reported failed because an unindexed backup cannot be restored."
	case KindBackendUnavailable:
		if e.Backend != "" {
			return fmt.Sprintf("Backend %s is unavailable: %s", e.Backend, e.Message)
		}
	case KindConflict:
		return e.Message + ". Wait for the running operation to finish."
	}
	return e.Message
}

// Classifier maps driver and network errors onto the taxonomy
type Classifier struct{}

// NewClassifier creates a new error classifier
func NewClassifier() *Classifier {
	return &Classifier{}
}

// Classify converts err into an *Error. fallback is used when err is reachable but the backend
// rejected the operation.
func (c *Classifier) Classify(backend string, err error, fallback Kind) *Error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return e
	}

	if c.isUnavailable(err) {
		return NewBackendUnavailable(backend, "backend is not reachable", err)
	}

	if errors.Is(err, context.Canceled) {
		return New(KindInterruption, "operation was canceled", err).WithBackend(backend)
	}

	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		switch pathErr.Err {
		case syscall.ENOENT:
			return NewNotFound(fmt.Sprintf("file or directory not found: %s", pathErr.Path), err)
		case syscall.EACCES, syscall.ENOSPC:
			return NewStorageError(fmt.Sprintf("cannot access %s", pathErr.Path), err)
		}
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return New(fallback, fmt.Sprintf("postgres rejected the operation: %s", pgErr.Message), err).
			WithBackend(backend).
			WithContext("sqlstate", pgErr.Code)
	}

	return New(fallback, "backend rejected the operation", err).WithBackend(backend)
}

func (c *Classifier) isUnavailable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.Unavailable, codes.DeadlineExceeded:
			return true
		}
	}

	return errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET)
}

// RetryConfig holds configuration for retry operations
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// DefaultRetryConfig returns a default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   1 * time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
	}
}

// RetryHandler retries operations that fail with retryable errors
type RetryHandler struct {
	config RetryConfig
}

// NewRetryHandler creates a new retry handler
func NewRetryHandler(config RetryConfig) *RetryHandler {
	return &RetryHandler{config: config}
}

// Retry executes operation until it succeeds, fails permanently, or attempts run out
func (rh *RetryHandler) Retry(ctx context.Context, operation func() error) error {
	var lastErr error

	for attempt := 1; attempt <= rh.config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return New(KindInterruption, "operation canceled", ctx.Err())
		default:
		}

		err := operation()
		if err == nil {
			return nil
		}

		lastErr = err
		if !IsRetryable(err) {
			return err
		}

		if attempt == rh.config.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return New(KindInterruption, "operation canceled during retry", ctx.Err())
		case <-time.After(rh.calculateDelay(attempt)):
		}
	}

	var e *Error
	if errors.As(lastErr, &e) {
		return e.WithContext("attempts", rh.config.MaxAttempts)
	}
	return lastErr
}

// calculateDelay returns base * multiplier^(attempt-1), capped at MaxDelay
func (rh *RetryHandler) calculateDelay(attempt int) time.Duration {
	multiplier := 1.0
	for i := 1; i < attempt; i++ {
		multiplier *= rh.config.Multiplier
	}

	delay := time.Duration(float64(rh.config.BaseDelay) * multiplier)
	if delay > rh.config.MaxDelay {
		delay = rh.config.MaxDelay
	}
	return delay
}

// GracefulShutdownHandler runs registered functions on SIGINT/SIGTERM
type GracefulShutdownHandler struct {
	shutdownFuncs []func() error
	signalChan    chan os.Signal
	done          chan bool
}

// NewGracefulShutdownHandler creates a new graceful shutdown handler
func NewGracefulShutdownHandler() *GracefulShutdownHandler {
	return &GracefulShutdownHandler{
		shutdownFuncs: make([]func() error, 0),
		signalChan:    make(chan os.Signal, 1),
		done:          make(chan bool, 1),
	}
}

// RegisterShutdownFunc registers a function to be called during shutdown
func (gsh *GracefulShutdownHandler) RegisterShutdownFunc(fn func() error) {
	gsh.shutdownFuncs = append(gsh.shutdownFuncs, fn)
}

// Start starts listening for shutdown signals
func (gsh *GracefulShutdownHandler) Start() {
	signal.Notify(gsh.signalChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if _, ok := <-gsh.signalChan; ok {
			gsh.shutdown()
		}
	}()
}

// Stop stops listening for signals
func (gsh *GracefulShutdownHandler) Stop() {
	signal.Stop(gsh.signalChan)
	close(gsh.signalChan)
}

// WaitForShutdown blocks until shutdown functions have run
func (gsh *GracefulShutdownHandler) WaitForShutdown() {
	<-gsh.done
}

// shutdown runs the registered functions in reverse order
func (gsh *GracefulShutdownHandler) shutdown() {
	defer func() {
		gsh.done <- true
	}()

	for i := len(gsh.shutdownFuncs) - 1; i >= 0; i-- {
		if err := gsh.shutdownFuncs[i](); err != nil {
			fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
		}
	}
}
