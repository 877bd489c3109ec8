package service

import (
	"github.com/False-Maker/test-genius-sub004/pkg/storage"
	"github.com/pkg/errors"
)

// inTx runs fn inside a store transaction, committing when fn returns nil
// and rolling back otherwise.
func inTx(store storage.Store, logger Logger, op string, fn func(tx storage.Store) error) (err error) {
	txStore, err := store.Begin()
	if err != nil {
		logger.Errorf("Failed to begin transaction for %s: %v", op, err)
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer func() {
		if p := recover(); p != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				logger.Errorf("Failed to rollback %s after panic: %v", op, rollbackErr)
			}
			panic(p)
		}
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				logger.Errorf("Failed to rollback %s: %v (original error: %v)", op, rollbackErr, err)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			logger.Errorf("Failed to commit %s: %v", op, commitErr)
			err = storeErr(commitErr, "failed to commit %s", op)
		}
	}()
	return fn(txStore)
}
