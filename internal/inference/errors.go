package inference

import "errors"

const (
	ErrCodeModelLoadFailed       = "model_load_failed"
	ErrCodeContextCreationFailed = "context_creation_failed"
	ErrCodeTokenizationFailed    = "tokenization_failed"
	ErrCodeDecodeFailed          = "decode_failed"
	ErrCodeEmptyDistribution     = "empty_distribution"
	ErrCodeModelNotLoaded        = "model_not_loaded"
	ErrCodeInvalidConfig         = "invalid_config"
	ErrCodeStreamStalled         = "stream_stalled"
)

// Sentinels for errors.Is. Matching is by Code, so a detailed error built
// with newEngineError matches the sentinel of the same code.
var (
	ErrModelLoadFailed       = &EngineError{Code: ErrCodeModelLoadFailed, Message: "failed to load model"}
	ErrContextCreationFailed = &EngineError{Code: ErrCodeContextCreationFailed, Message: "failed to create context"}
	ErrTokenizationFailed    = &EngineError{Code: ErrCodeTokenizationFailed, Message: "tokenization failed"}
	ErrDecodeFailed          = &EngineError{Code: ErrCodeDecodeFailed, Message: "decode failed"}
	ErrEmptyDistribution     = &EngineError{Code: ErrCodeEmptyDistribution, Message: "sampling from an empty distribution"}
	ErrModelNotLoaded        = &EngineError{Code: ErrCodeModelNotLoaded, Message: "model not loaded"}
	ErrInvalidConfig         = &EngineError{Code: ErrCodeInvalidConfig, Message: "invalid model configuration"}
	ErrStreamStalled         = &EngineError{Code: ErrCodeStreamStalled, Message: "stream consumer stalled"}
)

// ErrCancelled is returned by the synchronous path when Stop interrupted it.
var ErrCancelled = errors.New("inference: generation cancelled")

// ErrStreamClosed is returned by Stream.Send after the consumer aborted.
var ErrStreamClosed = errors.New("inference: stream closed by consumer")

// EngineError wraps structured errors returned by the engine so callers can react
// to known failure modes without string matching everywhere.
type EngineError struct {
	Code    string
	Message string
	Details string
	Err     error
}

func (e *EngineError) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" {
		msg = e.Code
	}
	if e.Details != "" {
		msg += ": " + e.Details
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is reports whether target is an EngineError with the same code.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Code == t.Code
}

func newEngineError(sentinel *EngineError, details string, cause error) *EngineError {
	return &EngineError{
		Code:    sentinel.Code,
		Message: sentinel.Message,
		Details: details,
		Err:     cause,
	}
}

// AsEngineError returns the EngineError if the provided error chain contains one.
func AsEngineError(err error) *EngineError {
	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		return engineErr
	}
	return nil
}
