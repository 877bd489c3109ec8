package service

import (
	"fmt"

	"github.com/False-Maker/test-genius-sub004/pkg/storage"
	"github.com/pkg/errors"
)

var (
	// ErrNotFound reports an unknown id or code.
	ErrNotFound = storage.ErrNotFound
	// ErrConflict reports a duplicate running experiment or a lost race.
	ErrConflict = errors.New("conflict")
	// ErrValidation reports malformed input: bad graphs, splits, ratings.
	ErrValidation = errors.New("validation failed")
	// ErrNoCurrentVersion is returned when a definition has never been published.
	ErrNoCurrentVersion = errors.Wrap(ErrValidation, "no current version")
	// ErrExecutionFailure marks a failed node operation. It lives in the ledger
	// and is never returned from status queries.
	ErrExecutionFailure = errors.New("execution failure")
	// ErrTimeout is a node exceeding its deadline.
	ErrTimeout = errors.Wrap(ErrExecutionFailure, "node timed out")
)

// NodeError carries the node and attempt a failure belongs to.
type NodeError struct {
	NodeID  string
	Attempt int
	Err     error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node %s attempt %d: %v", e.NodeID, e.Attempt, e.Err)
}

func (e *NodeError) Unwrap() error {
	return e.Err
}

func validationf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrValidation, format, args...)
}

func conflictf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrConflict, format, args...)
}

// storeErr maps storage sentinels onto the service taxonomy.
func storeErr(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, storage.ErrDuplicate) {
		return errors.Wrapf(ErrConflict, "%s: %v", fmt.Sprintf(format, args...), err)
	}
	if errors.Is(err, storage.ErrInvalidQuery) {
		return errors.Wrapf(ErrValidation, "%s: %v", fmt.Sprintf(format, args...), err)
	}
	return errors.Wrapf(err, format, args...)
}
