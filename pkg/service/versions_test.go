package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/False-Maker/test-genius-sub004/pkg/models"
	"github.com/False-Maker/test-genius-sub004/pkg/service"
	"github.com/False-Maker/test-genius-sub004/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func newVersionFixture(t require.TestingT) (*service.VersionService, *storage.MemoryStore, int64) {
	store := storage.NewMemoryStore()
	id, err := store.SaveWorkflow(models.WorkflowDefinition{Code: "WF-V", Name: "versions", Type: "case_generation", IsActive: true})
	require.NoError(t, err)
	return service.NewVersionService(store, service.NewKeyedMutex(), &logger{}), store, id
}

func graphPayload(t require.TestingT, ids ...string) json.RawMessage {
	out, err := json.Marshal(chain(ids...))
	require.NoError(t, err)
	return out
}

func currentCount(t require.TestingT, store storage.Store, defID int64) int {
	versions, err := store.ListVersions(models.WorkflowKind, defID)
	require.NoError(t, err)
	n := 0
	for _, v := range versions {
		if v.IsCurrent {
			n++
		}
	}
	return n
}

func TestVersionService(t *testing.T) {
	ctx := context.Background()

	t.Run("PublishNumbersGaplessly", func(t *testing.T) {
		vs, _, id := newVersionFixture(t)
		for i := 1; i <= 5; i++ {
			v, err := vs.Publish(ctx, models.WorkflowKind, id, graphPayload(t, "n1"), "", "tester")
			require.NoError(t, err)
			assert.Equal(t, i, v.Number)
			assert.Equal(t, i == 1, v.IsCurrent)
		}
		current, err := vs.GetCurrent(models.WorkflowKind, id)
		require.NoError(t, err)
		assert.Equal(t, 1, current.Number)

		list, err := vs.List(models.WorkflowKind, id)
		require.NoError(t, err)
		require.Len(t, list, 5)
		assert.Equal(t, 5, list[0].Number)
	})

	t.Run("PublishRejectsBadPayloads", func(t *testing.T) {
		vs, _, id := newVersionFixture(t)
		cyclic := chain("a", "b")
		cyclic.Edges = append(cyclic.Edges, models.Edge{Source: "b", Target: "a"})
		payload, err := json.Marshal(cyclic)
		require.NoError(t, err)

		_, err = vs.Publish(ctx, models.WorkflowKind, id, payload, "", "")
		assert.True(t, errors.Is(err, service.ErrValidation))
		_, err = vs.Publish(ctx, models.WorkflowKind, id, json.RawMessage(`not json`), "", "")
		assert.True(t, errors.Is(err, service.ErrValidation))
		_, err = vs.Publish(ctx, models.TemplateKind, id, json.RawMessage(`{"content":" "}`), "", "")
		assert.True(t, errors.Is(err, service.ErrValidation))
	})

	t.Run("PublishUnknownDefinition", func(t *testing.T) {
		vs, _, _ := newVersionFixture(t)
		_, err := vs.Publish(ctx, models.WorkflowKind, 999, graphPayload(t, "n1"), "", "")
		assert.True(t, errors.Is(err, service.ErrNotFound))
	})

	t.Run("NoCurrentVersion", func(t *testing.T) {
		vs, _, id := newVersionFixture(t)
		_, err := vs.GetCurrent(models.WorkflowKind, id)
		assert.True(t, errors.Is(err, service.ErrNoCurrentVersion))
	})

	t.Run("Promote", func(t *testing.T) {
		vs, store, id := newVersionFixture(t)
		for i := 0; i < 3; i++ {
			_, err := vs.Publish(ctx, models.WorkflowKind, id, graphPayload(t, "n1"), "", "")
			require.NoError(t, err)
		}
		require.NoError(t, vs.Promote(ctx, models.WorkflowKind, id, 3))
		current, err := vs.GetCurrent(models.WorkflowKind, id)
		require.NoError(t, err)
		assert.Equal(t, 3, current.Number)
		assert.Equal(t, 1, currentCount(t, store, id))

		err = vs.Promote(ctx, models.WorkflowKind, id, 7)
		assert.True(t, errors.Is(err, service.ErrNotFound))
		current, err = vs.GetCurrent(models.WorkflowKind, id)
		require.NoError(t, err)
		assert.Equal(t, 3, current.Number)
	})

	t.Run("RollbackRepublishesOldPayload", func(t *testing.T) {
		vs, store, id := newVersionFixture(t)
		v1 := graphPayload(t, "first")
		_, err := vs.Publish(ctx, models.WorkflowKind, id, v1, "", "")
		require.NoError(t, err)
		_, err = vs.Publish(ctx, models.WorkflowKind, id, graphPayload(t, "second"), "", "")
		require.NoError(t, err)
		require.NoError(t, vs.Promote(ctx, models.WorkflowKind, id, 2))

		v3, err := vs.Rollback(ctx, models.WorkflowKind, id, 1, "ops")
		require.NoError(t, err)
		assert.Equal(t, 3, v3.Number)
		assert.True(t, v3.IsCurrent)
		assert.Equal(t, "Rollback to version 1", v3.Description)
		assert.JSONEq(t, string(v1), string(v3.Payload))
		assert.Equal(t, 1, currentCount(t, store, id))

		_, err = vs.Rollback(ctx, models.WorkflowKind, id, 42, "ops")
		assert.True(t, errors.Is(err, service.ErrNotFound))
	})
}

// Any interleaving of publishes and promotes keeps exactly one current version
// once a version exists, and numbers stay 1..n without gaps.
func TestVersionService_SingleCurrentProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		vs, store, id := newVersionFixture(rt)
		ctx := context.Background()
		published := 0
		steps := rapid.IntRange(1, 30).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			if published == 0 || rapid.Bool().Draw(rt, "publish") {
				v, err := vs.Publish(ctx, models.WorkflowKind, id, graphPayload(rt, "n1"), "", "")
				if err != nil {
					rt.Fatalf("publish: %v", err)
				}
				published++
				if v.Number != published {
					rt.Fatalf("published number %d, want %d", v.Number, published)
				}
			} else {
				n := rapid.IntRange(1, published+1).Draw(rt, "promote")
				err := vs.Promote(ctx, models.WorkflowKind, id, n)
				if n > published && !errors.Is(err, service.ErrNotFound) {
					rt.Fatalf("promote of missing version %d: %v", n, err)
				}
				if n <= published && err != nil {
					rt.Fatalf("promote %d: %v", n, err)
				}
			}
			if got := currentCount(rt, store, id); got != 1 {
				rt.Fatalf("%d current versions after step %d", got, i)
			}
		}
	})
}

// Promotions racing with readers never expose a definition without exactly
// one current version.
func TestVersionService_ConcurrentPromote(t *testing.T) {
	vs, store, id := newVersionFixture(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := vs.Publish(ctx, models.WorkflowKind, id, graphPayload(t, "n1"), "", "")
		require.NoError(t, err)
	}

	stop := make(chan struct{})
	var readers sync.WaitGroup
	var readErrs, badCounts int
	var mu sync.Mutex
	for r := 0; r < 4; r++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				_, err := vs.GetCurrent(models.WorkflowKind, id)
				n := currentCount(t, store, id)
				mu.Lock()
				if err != nil {
					readErrs++
				}
				if n != 1 {
					badCounts++
				}
				mu.Unlock()
			}
		}()
	}

	var writers sync.WaitGroup
	for w := 0; w < 6; w++ {
		writers.Add(1)
		go func(w int) {
			defer writers.Done()
			for i := 0; i < 25; i++ {
				assert.NoError(t, vs.Promote(ctx, models.WorkflowKind, id, (w+i)%3+1))
			}
		}(w)
	}
	writers.Wait()
	close(stop)
	readers.Wait()

	assert.Zero(t, readErrs)
	assert.Zero(t, badCounts)
	assert.Equal(t, 1, currentCount(t, store, id))
}
