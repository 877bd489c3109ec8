package service_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/False-Maker/test-genius-sub004/pkg/models"
	"github.com/False-Maker/test-genius-sub004/pkg/service"
	"github.com/False-Maker/test-genius-sub004/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMetricsFixture(t *testing.T, criteria models.SelectionCriteria, minSamples int) (*service.MetricsAggregator, *storage.MemoryStore, int64) {
	t.Helper()
	store := storage.NewMemoryStore()
	wfID, err := store.SaveWorkflow(models.WorkflowDefinition{Code: "WF-M", Name: "metrics", Type: "case_generation", IsActive: true})
	require.NoError(t, err)
	testID, err := store.SaveAbTest(models.AbTest{
		ScopeKind:  models.WorkflowKind,
		ScopeID:    wfID,
		Name:       "metrics",
		VersionA:   1,
		VersionB:   2,
		SplitA:     50,
		Status:     models.RunningAbTestStatus,
		MinSamples: minSamples,
		Criteria:   criteria,
		Confidence: 0.95,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	})
	require.NoError(t, err)
	return service.NewMetricsAggregator(store), store, testID
}

type sample struct {
	label  models.VersionLabel
	ok     bool
	rtMs   int64
	rating int
}

func seed(t *testing.T, store storage.Store, testID int64, samples []sample) {
	t.Helper()
	for i, s := range samples {
		status := models.SuccessAbTestExecutionStatus
		if !s.ok {
			status = models.FailedAbTestExecutionStatus
		}
		rt := s.rtMs
		rec := models.AbTestExecution{
			AbTestID:       testID,
			RequestID:      fmt.Sprintf("seed-%d-%d", testID, i),
			VersionLabel:   s.label,
			Status:         status,
			ResponseTimeMs: &rt,
			CreatedAt:      time.Now(),
		}
		if s.rating > 0 {
			r := s.rating
			rec.UserRating = &r
		}
		_, err := store.SaveAbTestExecution(rec)
		require.NoError(t, err)
	}
}

func TestMetricsAggregator_Snapshot(t *testing.T) {
	t.Run("NoSamples", func(t *testing.T) {
		agg, _, id := newMetricsFixture(t, models.SuccessRateCriteria, 10)
		snap, err := agg.Snapshot(id)
		require.NoError(t, err)

		assert.Zero(t, snap.A.Count)
		assert.True(t, math.IsNaN(snap.A.SuccessRate))
		assert.True(t, math.IsNaN(snap.B.SuccessRate))
		assert.Nil(t, snap.A.AvgResponseTimeMs)
		assert.Empty(t, snap.Conclusion.Winner)

		out, err := json.Marshal(snap)
		require.NoError(t, err)
		var decoded struct {
			A map[string]interface{} `json:"a"`
			B map[string]interface{} `json:"b"`
		}
		require.NoError(t, json.Unmarshal(out, &decoded))
		assert.Contains(t, decoded.A, "success_rate")
		assert.Nil(t, decoded.A["success_rate"])
		assert.Nil(t, decoded.B["avg_rating"])
	})

	t.Run("PerLabelReduction", func(t *testing.T) {
		agg, store, id := newMetricsFixture(t, models.SuccessRateCriteria, 10)
		seed(t, store, id, []sample{
			{label: models.LabelA, ok: true, rtMs: 100, rating: 5},
			{label: models.LabelA, ok: true, rtMs: 300},
			{label: models.LabelA, ok: false, rtMs: 900, rating: 1},
			{label: models.LabelB, ok: true, rtMs: 50, rating: 4},
		})
		snap, err := agg.Snapshot(id)
		require.NoError(t, err)

		assert.Equal(t, int64(3), snap.A.Count)
		assert.Equal(t, int64(2), snap.A.SuccessCount)
		assert.InDelta(t, 2.0/3.0, snap.A.SuccessRate, 1e-9)
		require.NotNil(t, snap.A.AvgResponseTimeMs)
		assert.InDelta(t, 200, *snap.A.AvgResponseTimeMs, 1e-9)
		assert.Equal(t, int64(2), snap.A.RatedCount)
		require.NotNil(t, snap.A.AvgRating)
		assert.InDelta(t, 3, *snap.A.AvgRating, 1e-9)

		assert.Equal(t, int64(1), snap.B.Count)
		assert.Equal(t, 1.0, snap.B.SuccessRate)
		assert.Equal(t, 2, snap.B.VersionNumber)
		assert.Contains(t, snap.Conclusion.Reason, "insufficient samples")
	})

	t.Run("UnknownTest", func(t *testing.T) {
		agg, _, _ := newMetricsFixture(t, models.SuccessRateCriteria, 10)
		_, err := agg.Snapshot(999)
		assert.True(t, errors.Is(err, service.ErrNotFound))
	})
}

func TestMetricsAggregator_Conclusion(t *testing.T) {
	t.Run("SuccessRateWinner", func(t *testing.T) {
		agg, store, id := newMetricsFixture(t, models.SuccessRateCriteria, 10)
		var samples []sample
		for i := 0; i < 10; i++ {
			samples = append(samples, sample{label: models.LabelA, ok: i < 5}, sample{label: models.LabelB, ok: true})
		}
		seed(t, store, id, samples)

		snap, err := agg.Snapshot(id)
		require.NoError(t, err)
		assert.True(t, snap.Conclusion.Significant)
		assert.Equal(t, models.LabelB, snap.Conclusion.Winner)
		assert.Greater(t, snap.Conclusion.Confidence, 0.95)
	})

	t.Run("NotSignificant", func(t *testing.T) {
		agg, store, id := newMetricsFixture(t, models.SuccessRateCriteria, 10)
		var samples []sample
		for i := 0; i < 10; i++ {
			samples = append(samples, sample{label: models.LabelA, ok: i%2 == 0}, sample{label: models.LabelB, ok: i < 6})
		}
		seed(t, store, id, samples)

		snap, err := agg.Snapshot(id)
		require.NoError(t, err)
		assert.False(t, snap.Conclusion.Significant)
		assert.Empty(t, snap.Conclusion.Winner)
		assert.Contains(t, snap.Conclusion.Reason, "not significant")
	})

	t.Run("LowerResponseTimeWins", func(t *testing.T) {
		agg, store, id := newMetricsFixture(t, models.ResponseTimeCriteria, 5)
		var samples []sample
		for i := 0; i < 8; i++ {
			samples = append(samples,
				sample{label: models.LabelA, ok: true, rtMs: int64(100 + i)},
				sample{label: models.LabelB, ok: true, rtMs: int64(400 + i)},
			)
		}
		// Failed requests do not count towards response time.
		samples = append(samples, sample{label: models.LabelA, ok: false, rtMs: 5000})
		seed(t, store, id, samples)

		snap, err := agg.Snapshot(id)
		require.NoError(t, err)
		assert.Equal(t, models.LabelA, snap.Conclusion.Winner)
		require.NotNil(t, snap.A.AvgResponseTimeMs)
		assert.InDelta(t, 103.5, *snap.A.AvgResponseTimeMs, 1e-9)
	})

	t.Run("PerfectlySeparatedSuccessRate", func(t *testing.T) {
		agg, store, id := newMetricsFixture(t, models.SuccessRateCriteria, 100)
		var samples []sample
		for i := 0; i < 100; i++ {
			samples = append(samples, sample{label: models.LabelA, ok: true}, sample{label: models.LabelB, ok: false})
		}
		seed(t, store, id, samples)

		snap, err := agg.Snapshot(id)
		require.NoError(t, err)
		assert.True(t, snap.Conclusion.Significant)
		assert.Equal(t, models.LabelA, snap.Conclusion.Winner)
		assert.Equal(t, 1.0, snap.Conclusion.Confidence)
	})

	t.Run("ConstantRatings", func(t *testing.T) {
		agg, store, id := newMetricsFixture(t, models.UserRatingCriteria, 5)
		var samples []sample
		for i := 0; i < 5; i++ {
			samples = append(samples, sample{label: models.LabelA, ok: true, rating: 1}, sample{label: models.LabelB, ok: true, rating: 5})
		}
		seed(t, store, id, samples)

		snap, err := agg.Snapshot(id)
		require.NoError(t, err)
		assert.Equal(t, models.LabelB, snap.Conclusion.Winner)
	})

	t.Run("RatingNeedsRatedSamples", func(t *testing.T) {
		agg, store, id := newMetricsFixture(t, models.UserRatingCriteria, 3)
		seed(t, store, id, []sample{
			{label: models.LabelA, ok: true, rating: 5},
			{label: models.LabelA, ok: true, rating: 4},
			{label: models.LabelA, ok: true, rating: 5},
			{label: models.LabelB, ok: true, rating: 1},
			{label: models.LabelB, ok: true},
			{label: models.LabelB, ok: true},
		})
		snap, err := agg.Snapshot(id)
		require.NoError(t, err)
		assert.Empty(t, snap.Conclusion.Winner)
		assert.Contains(t, snap.Conclusion.Reason, "A=3 B=1")
	})
}
