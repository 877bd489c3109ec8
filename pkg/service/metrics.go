package service

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/False-Maker/test-genius-sub004/pkg/models"
	"github.com/False-Maker/test-genius-sub004/pkg/storage"
)

const (
	DefaultMinSamples = 100
	DefaultConfidence = 0.95
)

// LabelMetrics is the reduction of one label's AbTestExecution rows.
type LabelMetrics struct {
	Label             models.VersionLabel `json:"label"`
	VersionNumber     int                 `json:"version_number"`
	Count             int64               `json:"count"`
	SuccessCount      int64               `json:"success_count"`
	SuccessRate       float64             `json:"success_rate"` // NaN when Count is zero
	AvgResponseTimeMs *float64            `json:"avg_response_time_ms"`
	RatedCount        int64               `json:"rated_count"`
	AvgRating         *float64            `json:"avg_rating"`
}

// MarshalJSON renders a NaN success rate as null.
func (m LabelMetrics) MarshalJSON() ([]byte, error) {
	type plain LabelMetrics
	out := struct {
		plain
		SuccessRate *float64 `json:"success_rate"`
	}{plain: plain(m)}
	if !math.IsNaN(m.SuccessRate) {
		rate := m.SuccessRate
		out.SuccessRate = &rate
	}
	return json.Marshal(out)
}

// Conclusion is the significance verdict on the test's selection criteria.
type Conclusion struct {
	Criteria    models.SelectionCriteria `json:"criteria"`
	Winner      models.VersionLabel      `json:"winner,omitempty"`
	Confidence  float64                  `json:"confidence"`
	Significant bool                     `json:"significant"`
	Reason      string                   `json:"reason"`
}

// MetricsSnapshot compares the two labels of one AbTest.
type MetricsSnapshot struct {
	AbTestID   int64               `json:"ab_test_id"`
	Status     models.AbTestStatus `json:"status"`
	A          LabelMetrics        `json:"a"`
	B          LabelMetrics        `json:"b"`
	Conclusion Conclusion          `json:"conclusion"`
	ComputedAt time.Time           `json:"computed_at"`
}

// MetricsAggregator recomputes experiment statistics from the ledger on every
// call; nothing is cached.
type MetricsAggregator struct {
	store storage.Store
	now   func() time.Time
}

func NewMetricsAggregator(store storage.Store) *MetricsAggregator {
	return &MetricsAggregator{store: store, now: time.Now}
}

func labelMetrics(label models.VersionLabel, version int, agg *models.LabelAggregate) LabelMetrics {
	m := LabelMetrics{Label: label, VersionNumber: version, SuccessRate: math.NaN()}
	if agg == nil {
		return m
	}
	m.Count = agg.Count
	m.SuccessCount = agg.SuccessCount
	if agg.Count > 0 {
		m.SuccessRate = float64(agg.SuccessCount) / float64(agg.Count)
	}
	m.AvgResponseTimeMs = agg.AvgResponseTime
	m.RatedCount = agg.RatedCount
	m.AvgRating = agg.AvgRating
	return m
}

// Snapshot computes per-label metrics and the current conclusion.
func (a *MetricsAggregator) Snapshot(abTestID int64) (MetricsSnapshot, error) {
	test, err := a.store.GetAbTest(abTestID)
	if err != nil {
		return MetricsSnapshot{}, storeErr(err, "experiment %d", abTestID)
	}
	aggs, err := a.store.AggregateAbTest(abTestID)
	if err != nil {
		return MetricsSnapshot{}, storeErr(err, "failed to aggregate experiment %d", abTestID)
	}
	var aggA, aggB *models.LabelAggregate
	for i := range aggs {
		switch aggs[i].Label {
		case models.LabelA:
			aggA = &aggs[i]
		case models.LabelB:
			aggB = &aggs[i]
		}
	}
	snap := MetricsSnapshot{
		AbTestID:   abTestID,
		Status:     test.Status,
		A:          labelMetrics(models.LabelA, test.VersionA, aggA),
		B:          labelMetrics(models.LabelB, test.VersionB, aggB),
		ComputedAt: a.now(),
	}
	snap.Conclusion, err = a.conclude(test, snap.A, snap.B)
	if err != nil {
		return MetricsSnapshot{}, err
	}
	return snap, nil
}

// conclude applies the winner policy: both labels need MinSamples samples of
// the criteria metric, and a two-sided Welch t-test must reach the test's
// confidence. Higher success rate and rating win; lower response time wins.
func (a *MetricsAggregator) conclude(test models.AbTest, mA, mB LabelMetrics) (Conclusion, error) {
	criteria := test.Criteria
	if criteria == "" {
		criteria = models.SuccessRateCriteria
	}
	minSamples := test.MinSamples
	if minSamples <= 0 {
		minSamples = DefaultMinSamples
	}
	required := test.Confidence
	if required <= 0 || required >= 1 {
		required = DefaultConfidence
	}
	c := Conclusion{Criteria: criteria}

	var meanA, meanB, confidence float64
	var nA, nB int
	switch criteria {
	case models.SuccessRateCriteria:
		nA, nB = int(mA.Count), int(mB.Count)
		if nA < minSamples || nB < minSamples {
			break
		}
		meanA, meanB = mA.SuccessRate, mB.SuccessRate
		confidence = welchConfidence(meanA, bernoulliVariance(meanA, nA), nA, meanB, bernoulliVariance(meanB, nB), nB)
	case models.ResponseTimeCriteria, models.UserRatingCriteria:
		rows, err := a.store.ListAbTestExecutions(test.ID)
		if err != nil {
			return c, storeErr(err, "failed to list executions of experiment %d", test.ID)
		}
		sA, sB := criteriaSamples(rows, criteria)
		nA, nB = len(sA), len(sB)
		if nA < minSamples || nB < minSamples {
			break
		}
		meanA, meanB = mean(sA), mean(sB)
		confidence = welchSamples(sA, sB)
	default:
		c.Reason = fmt.Sprintf("unknown criteria %q", criteria)
		return c, nil
	}

	if nA < minSamples || nB < minSamples {
		c.Reason = fmt.Sprintf("insufficient samples: A=%d B=%d, need %d each", nA, nB, minSamples)
		return c, nil
	}
	c.Confidence = confidence
	if confidence < required || meanA == meanB {
		c.Reason = fmt.Sprintf("difference not significant: confidence %.4f below %.4f", confidence, required)
		return c, nil
	}
	aBetter := meanA > meanB
	if criteria == models.ResponseTimeCriteria {
		aBetter = meanA < meanB
	}
	c.Significant = true
	c.Winner = models.LabelB
	if aBetter {
		c.Winner = models.LabelA
	}
	c.Reason = fmt.Sprintf("version %s wins on %s with confidence %.4f", c.Winner, criteria, confidence)
	return c, nil
}

// bernoulliVariance is the sample variance of n outcomes with success rate p.
func bernoulliVariance(p float64, n int) float64 {
	if n < 2 {
		return 0
	}
	return p * (1 - p) * float64(n) / float64(n-1)
}

func criteriaSamples(rows []models.AbTestExecution, criteria models.SelectionCriteria) (a, b []float64) {
	for _, r := range rows {
		var v float64
		switch criteria {
		case models.ResponseTimeCriteria:
			if r.Status != models.SuccessAbTestExecutionStatus || r.ResponseTimeMs == nil {
				continue
			}
			v = float64(*r.ResponseTimeMs)
		case models.UserRatingCriteria:
			if r.UserRating == nil {
				continue
			}
			v = float64(*r.UserRating)
		}
		switch r.VersionLabel {
		case models.LabelA:
			a = append(a, v)
		case models.LabelB:
			b = append(b, v)
		}
	}
	return a, b
}
