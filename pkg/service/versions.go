package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/False-Maker/test-genius-sub004/pkg/models"
	"github.com/False-Maker/test-genius-sub004/pkg/storage"
	"github.com/pkg/errors"
)

// VersionService keeps immutable snapshots of workflows and prompt templates
// and the single current flag per definition.
//
// Writers on one definition serialize twice: on the Locker (which may be
// distributed) and on a row lock inside the store transaction. Readers never
// observe the cleared-but-not-yet-set state because the clear and the set
// commit together.
type VersionService struct {
	store  storage.Store
	locker Locker
	logger Logger
	now    func() time.Time
}

func NewVersionService(store storage.Store, locker Locker, logger Logger) *VersionService {
	if locker == nil {
		locker = NewKeyedMutex()
	}
	return &VersionService{
		store:  store,
		locker: locker,
		logger: logger,
		now:    time.Now,
	}
}

func definitionKey(kind models.DefinitionKind, definitionID int64) string {
	return fmt.Sprintf("definition:%s:%d", kind, definitionID)
}

// ValidatePayload checks a version payload for its kind.
func ValidatePayload(kind models.DefinitionKind, payload json.RawMessage) error {
	switch kind {
	case models.WorkflowKind:
		_, err := ParseGraph(payload)
		return err
	case models.TemplateKind:
		var tp models.TemplatePayload
		if err := json.Unmarshal(payload, &tp); err != nil {
			return validationf("malformed template payload: %v", err)
		}
		if strings.TrimSpace(tp.Content) == "" {
			return validationf("template content is empty")
		}
		return nil
	}
	return validationf("unknown definition kind %q", kind)
}

// Publish stores payload as the next version of the definition. The new
// version is not current, except for the very first version of a definition,
// which becomes current in the same transaction.
func (s *VersionService) Publish(ctx context.Context, kind models.DefinitionKind, definitionID int64, payload json.RawMessage, description, createdBy string) (models.Version, error) {
	if err := ValidatePayload(kind, payload); err != nil {
		return models.Version{}, err
	}
	unlock, err := s.locker.Lock(ctx, definitionKey(kind, definitionID))
	if err != nil {
		return models.Version{}, errors.Wrapf(err, "failed to lock %s %d", kind, definitionID)
	}
	defer unlock()

	var v models.Version
	err = inTx(s.store, s.logger, "Publish", func(tx storage.Store) error {
		if err := tx.LockDefinition(kind, definitionID); err != nil {
			return storeErr(err, "failed to lock %s %d", kind, definitionID)
		}
		max, err := tx.MaxVersionNumber(kind, definitionID)
		if err != nil {
			return storeErr(err, "failed to read latest version of %s %d", kind, definitionID)
		}
		v = models.Version{
			Kind:         kind,
			DefinitionID: definitionID,
			Number:       max + 1,
			Payload:      payload,
			Description:  description,
			IsCurrent:    max == 0,
			CreatedBy:    createdBy,
			CreatedAt:    s.now(),
		}
		v.ID, err = tx.SaveVersion(v)
		if err != nil {
			return storeErr(err, "failed to save version %d of %s %d", v.Number, kind, definitionID)
		}
		return nil
	})
	if err != nil {
		return models.Version{}, err
	}
	s.logger.Infof("Published %s %d version %d", kind, definitionID, v.Number)
	return v, nil
}

// Promote makes version number the single current version of the definition.
func (s *VersionService) Promote(ctx context.Context, kind models.DefinitionKind, definitionID int64, number int) error {
	unlock, err := s.locker.Lock(ctx, definitionKey(kind, definitionID))
	if err != nil {
		return errors.Wrapf(err, "failed to lock %s %d", kind, definitionID)
	}
	defer unlock()

	err = inTx(s.store, s.logger, "Promote", func(tx storage.Store) error {
		return promoteTx(tx, kind, definitionID, number)
	})
	if err != nil {
		return err
	}
	s.logger.Infof("Promoted %s %d version %d to current", kind, definitionID, number)
	return nil
}

func promoteTx(tx storage.Store, kind models.DefinitionKind, definitionID int64, number int) error {
	if err := tx.LockDefinition(kind, definitionID); err != nil {
		return storeErr(err, "failed to lock %s %d", kind, definitionID)
	}
	if _, err := tx.GetVersion(kind, definitionID, number); err != nil {
		return storeErr(err, "version %d of %s %d", number, kind, definitionID)
	}
	if err := tx.ClearCurrentVersions(kind, definitionID); err != nil {
		return storeErr(err, "failed to clear current version of %s %d", kind, definitionID)
	}
	if err := tx.SetCurrentVersion(kind, definitionID, number); err != nil {
		return storeErr(err, "failed to set current version of %s %d", kind, definitionID)
	}
	return nil
}

// GetCurrent returns the single current version, or ErrNoCurrentVersion.
func (s *VersionService) GetCurrent(kind models.DefinitionKind, definitionID int64) (models.Version, error) {
	v, err := s.store.GetCurrentVersion(kind, definitionID)
	if errors.Is(err, storage.ErrNotFound) {
		return models.Version{}, errors.Wrapf(ErrNoCurrentVersion, "%s %d", kind, definitionID)
	}
	if err != nil {
		return models.Version{}, errors.Wrapf(err, "failed to get current version of %s %d", kind, definitionID)
	}
	return v, nil
}

func (s *VersionService) GetByNumber(kind models.DefinitionKind, definitionID int64, number int) (models.Version, error) {
	v, err := s.store.GetVersion(kind, definitionID, number)
	if err != nil {
		return models.Version{}, storeErr(err, "version %d of %s %d", number, kind, definitionID)
	}
	return v, nil
}

// List returns every version of the definition, newest first.
func (s *VersionService) List(kind models.DefinitionKind, definitionID int64) ([]models.Version, error) {
	versions, err := s.store.ListVersions(kind, definitionID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list versions of %s %d", kind, definitionID)
	}
	return versions, nil
}

// Rollback republishes the payload of an older version as a new version and
// makes it current. History is never rewritten.
func (s *VersionService) Rollback(ctx context.Context, kind models.DefinitionKind, definitionID int64, number int, createdBy string) (models.Version, error) {
	unlock, err := s.locker.Lock(ctx, definitionKey(kind, definitionID))
	if err != nil {
		return models.Version{}, errors.Wrapf(err, "failed to lock %s %d", kind, definitionID)
	}
	defer unlock()

	var v models.Version
	err = inTx(s.store, s.logger, "Rollback", func(tx storage.Store) error {
		if err := tx.LockDefinition(kind, definitionID); err != nil {
			return storeErr(err, "failed to lock %s %d", kind, definitionID)
		}
		old, err := tx.GetVersion(kind, definitionID, number)
		if err != nil {
			return storeErr(err, "version %d of %s %d", number, kind, definitionID)
		}
		max, err := tx.MaxVersionNumber(kind, definitionID)
		if err != nil {
			return storeErr(err, "failed to read latest version of %s %d", kind, definitionID)
		}
		v = models.Version{
			Kind:         kind,
			DefinitionID: definitionID,
			Number:       max + 1,
			Payload:      old.Payload,
			Description:  fmt.Sprintf("Rollback to version %d", number),
			CreatedBy:    createdBy,
			CreatedAt:    s.now(),
		}
		if v.ID, err = tx.SaveVersion(v); err != nil {
			return storeErr(err, "failed to save version %d of %s %d", v.Number, kind, definitionID)
		}
		v.IsCurrent = true
		return promoteTx(tx, kind, definitionID, v.Number)
	})
	if err != nil {
		return models.Version{}, err
	}
	s.logger.Infof("Rolled back %s %d to version %d as version %d", kind, definitionID, number, v.Number)
	return v, nil
}
