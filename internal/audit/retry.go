package audit

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// #region constants

const maxRetries = 1 // one retry = 2 total attempts

// ErrPersistence marks a write that failed even after a retry. It is always
// escalated, never dropped.
var ErrPersistence = errors.New("persistence failure")

// #endregion

// #region retry

// Retry runs op and retries it once. The final error wraps ErrPersistence.
func Retry(op func() error) error {
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err = op(); err == nil {
			return nil
		}
	}
	return fmt.Errorf("%w: %w", ErrPersistence, err)
}

// #endregion

// #region recorder

// Recorder fronts an Appender with the retry-once policy.
type Recorder struct {
	next   Appender
	logger *zap.Logger
}

// NewRecorder wraps next. logger may be nil.
func NewRecorder(next Appender, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{next: next, logger: logger.Named("audit")}
}

// Append implements Appender.
func (r *Recorder) Append(ctx context.Context, agent, actionType string, details any) (string, error) {
	var hash string
	err := Retry(func() error {
		var err error
		hash, err = r.next.Append(ctx, agent, actionType, details)
		return err
	})
	if err != nil {
		r.logger.Error("audit append failed",
			zap.String("agent", agent), zap.String("action", actionType), zap.Error(err))
		return "", err
	}
	return hash, nil
}

// #endregion
