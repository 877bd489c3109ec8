package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/False-Maker/test-genius-sub004/pkg/models"
	"github.com/False-Maker/test-genius-sub004/pkg/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestRouteLabel(t *testing.T) {
	t.Run("Deterministic", func(t *testing.T) {
		rapid.Check(t, func(rt *rapid.T) {
			test := models.AbTest{
				ID:     rapid.Int64Range(1, 1_000_000).Draw(rt, "id"),
				SplitA: rapid.IntRange(0, 100).Draw(rt, "split"),
			}
			requestID := rapid.String().Draw(rt, "request")
			first := service.RouteLabel(test, requestID)
			if again := service.RouteLabel(test, requestID); again != first {
				rt.Fatalf("request %q routed to %s then %s", requestID, first, again)
			}
			if test.SplitA == 0 && first != models.LabelB {
				rt.Fatalf("split 0 routed %q to %s", requestID, first)
			}
			if test.SplitA == 100 && first != models.LabelA {
				rt.Fatalf("split 100 routed %q to %s", requestID, first)
			}
		})
	})

	t.Run("EvenSplitIsBalanced", func(t *testing.T) {
		test := models.AbTest{ID: 7, SplitA: 50}
		counts := map[models.VersionLabel]int{}
		for i := 0; i < 1000; i++ {
			counts[service.RouteLabel(test, fmt.Sprintf("req-%d", i))]++
		}
		assert.Equal(t, 1000, counts[models.LabelA]+counts[models.LabelB])
		assert.InDelta(t, 500, counts[models.LabelA], 70)
	})

	t.Run("SkewedSplit", func(t *testing.T) {
		test := models.AbTest{ID: 11, SplitA: 20}
		a := 0
		for i := 0; i < 2000; i++ {
			if service.RouteLabel(test, fmt.Sprintf("user-%d", i)) == models.LabelA {
				a++
			}
		}
		assert.InDelta(t, 400, a, 80)
	})
}

func newAbTestFixture(t *testing.T, inv service.Invoker) (*service.WorkflowService, models.Scope) {
	t.Helper()
	if inv == nil {
		inv = newScriptedInvoker()
	}
	svc, _ := newTestService(t, inv, fastEngine, 4)
	wf := createWorkflow(t, svc, "WF-AB", chain("n1"), chain("n1", "n2"))
	return svc, models.Scope{Kind: models.WorkflowKind, ID: wf.ID}
}

func TestRouter_Create(t *testing.T) {
	svc, scope := newAbTestFixture(t, nil)
	router := svc.Router()
	ctx := context.Background()

	invalid := []struct {
		name string
		cfg  service.AbTestConfig
	}{
		{"NoName", service.AbTestConfig{VersionA: 1, VersionB: 2}},
		{"SameVersion", service.AbTestConfig{Name: "x", VersionA: 1, VersionB: 1}},
		{"BadSplit", service.AbTestConfig{Name: "x", VersionA: 1, VersionB: 2, SplitA: 70, SplitB: 20}},
		{"NegativeSplit", service.AbTestConfig{Name: "x", VersionA: 1, VersionB: 2, SplitA: 110, SplitB: -10}},
		{"UnknownCriteria", service.AbTestConfig{Name: "x", VersionA: 1, VersionB: 2, Criteria: "vibes"}},
		{"BadConfidence", service.AbTestConfig{Name: "x", VersionA: 1, VersionB: 2, Confidence: 1.5}},
	}
	for _, tc := range invalid {
		t.Run(tc.name, func(t *testing.T) {
			_, err := router.Create(ctx, scope, tc.cfg)
			assert.True(t, errors.Is(err, service.ErrValidation), "got %v", err)
		})
	}

	t.Run("UnknownVersion", func(t *testing.T) {
		_, err := router.Create(ctx, scope, service.AbTestConfig{Name: "x", VersionA: 1, VersionB: 5})
		assert.True(t, errors.Is(err, service.ErrNotFound))
	})

	t.Run("UnknownScope", func(t *testing.T) {
		_, err := router.Create(ctx, models.Scope{Kind: models.WorkflowKind, ID: 404}, service.AbTestConfig{Name: "x", VersionA: 1, VersionB: 2})
		assert.True(t, errors.Is(err, service.ErrNotFound))
	})

	t.Run("Defaults", func(t *testing.T) {
		test, err := router.Create(ctx, scope, service.AbTestConfig{Name: "draft", VersionA: 1, VersionB: 2})
		require.NoError(t, err)
		assert.Equal(t, models.DraftAbTestStatus, test.Status)
		assert.Equal(t, 50, test.SplitA)
		assert.Equal(t, models.SuccessRateCriteria, test.Criteria)
		assert.Equal(t, service.DefaultMinSamples, test.MinSamples)
		assert.Equal(t, service.DefaultConfidence, test.Confidence)
		assert.Nil(t, test.StartedAt)
		require.NoError(t, router.Delete(ctx, test.ID))
	})
}

func TestRouter_Lifecycle(t *testing.T) {
	svc, scope := newAbTestFixture(t, nil)
	router := svc.Router()
	ctx := context.Background()

	first, err := router.Create(ctx, scope, service.AbTestConfig{Name: "first", VersionA: 1, VersionB: 2})
	require.NoError(t, err)
	second, err := router.Create(ctx, scope, service.AbTestConfig{Name: "second", VersionA: 2, VersionB: 1})
	require.NoError(t, err)

	started, err := router.Start(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunningAbTestStatus, started.Status)
	assert.NotNil(t, started.StartedAt)

	_, err = router.Start(ctx, second.ID)
	assert.True(t, errors.Is(err, service.ErrConflict), "second experiment must not run alongside the first")
	_, err = router.Create(ctx, scope, service.AbTestConfig{Name: "third", VersionA: 1, VersionB: 2})
	assert.True(t, errors.Is(err, service.ErrConflict))

	err = router.Delete(ctx, first.ID)
	assert.True(t, errors.Is(err, service.ErrConflict))

	paused, err := router.Pause(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PausedAbTestStatus, paused.Status)
	running, err := router.Running(scope)
	require.NoError(t, err)
	assert.Nil(t, running)

	_, err = router.Start(ctx, second.ID)
	require.NoError(t, err)
	_, err = router.Start(ctx, first.ID)
	assert.True(t, errors.Is(err, service.ErrConflict))

	stopped, err := router.Stop(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StoppedAbTestStatus, stopped.Status)
	assert.NotNil(t, stopped.EndedAt)
	_, err = router.Start(ctx, second.ID)
	assert.True(t, errors.Is(err, service.ErrConflict))

	_, err = router.Start(ctx, first.ID)
	require.NoError(t, err)
	_, err = router.Complete(ctx, first.ID, "C")
	assert.True(t, errors.Is(err, service.ErrValidation))
	completed, err := router.Complete(ctx, first.ID, models.LabelB)
	require.NoError(t, err)
	assert.Equal(t, models.CompletedAbTestStatus, completed.Status)
	assert.Equal(t, "B", completed.Winner)

	tests, err := router.List(scope)
	require.NoError(t, err)
	assert.Len(t, tests, 2)

	require.NoError(t, router.Delete(ctx, first.ID))
	_, err = router.Get(first.ID)
	assert.True(t, errors.Is(err, service.ErrNotFound))
}

func TestRouter_ConcurrentStart(t *testing.T) {
	svc, scope := newAbTestFixture(t, nil)

	const callers = 10
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.StartAbTest(context.Background(), scope, service.AbTestConfig{
				Name:     fmt.Sprintf("race-%d", i),
				VersionA: 1,
				VersionB: 2,
			})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, errors.Is(err, service.ErrConflict), "got %v", err)
	}
	assert.Equal(t, 1, succeeded)
}

func TestRouter_RoutedExecutions(t *testing.T) {
	svc, scope := newAbTestFixture(t, nil)
	ctx := context.Background()

	testID, err := svc.StartAbTest(ctx, scope, service.AbTestConfig{Name: "routing", VersionA: 1, VersionB: 2})
	require.NoError(t, err)
	test, err := svc.Router().Get(testID)
	require.NoError(t, err)

	const runs = 20
	for i := 0; i < runs; i++ {
		requestID := fmt.Sprintf("route-%d", i)
		snap := runToEnd(t, svc, "WF-AB", json.RawMessage(`{}`), service.StartOptions{RequestID: requestID})

		label := service.RouteLabel(test, requestID)
		require.NotNil(t, snap.Execution.AbTestID)
		assert.Equal(t, testID, *snap.Execution.AbTestID)
		assert.Equal(t, string(label), snap.Execution.VersionLabel)
		assert.Equal(t, test.VersionFor(label), snap.Execution.VersionNumber)
	}

	assert.Eventually(t, func() bool {
		m, err := svc.GetAbTestMetrics(testID)
		return err == nil && m.A.Count+m.B.Count == runs
	}, 5*time.Second, 5*time.Millisecond)

	m, err := svc.GetAbTestMetrics(testID)
	require.NoError(t, err)
	assert.Equal(t, m.A.Count, m.A.SuccessCount)
	assert.Equal(t, 1, m.A.VersionNumber)
	assert.Equal(t, 2, m.B.VersionNumber)
	assert.Contains(t, m.Conclusion.Reason, "insufficient samples")

	t.Run("Feedback", func(t *testing.T) {
		err := svc.SubmitFeedback("route-0", 6, "")
		assert.True(t, errors.Is(err, service.ErrValidation))
		err = svc.SubmitFeedback("route-missing", 4, "")
		assert.True(t, errors.Is(err, service.ErrNotFound))

		require.NoError(t, svc.SubmitFeedback("route-0", 4, "useful cases"))
		m, err := svc.GetAbTestMetrics(testID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), m.A.RatedCount+m.B.RatedCount)
	})

	t.Run("StoppedExperimentFallsBackToCurrent", func(t *testing.T) {
		_, err := svc.Router().Stop(ctx, testID)
		require.NoError(t, err)
		snap := runToEnd(t, svc, "WF-AB", nil, service.StartOptions{RequestID: "after-stop"})
		assert.Nil(t, snap.Execution.AbTestID)
		assert.Equal(t, 1, snap.Execution.VersionNumber)
	})
}

func TestRouter_CancelledExecutionsAreNotSamples(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	inv := newScriptedInvoker().on("n1", func(ctx context.Context, req service.InvokeRequest) (service.InvokeResult, error) {
		started <- struct{}{}
		<-release
		return service.InvokeResult{}, nil
	})
	svc, scope := newAbTestFixture(t, inv)
	ctx := context.Background()
	// Everything goes to B, whose version has a second node, so the
	// cancellation is observed at the stage boundary.
	testID, err := svc.StartAbTest(ctx, scope, service.AbTestConfig{Name: "cancel", VersionA: 1, VersionB: 2, SplitA: 0, SplitB: 100})
	require.NoError(t, err)

	id := mustStart(t, svc, "WF-AB", service.StartOptions{RequestID: "to-cancel"})
	<-started
	require.NoError(t, svc.CancelExecution(id))
	close(release)

	snap := waitFor(t, svc, id)
	require.Equal(t, models.CancelledExecutionStatus, snap.Execution.Status)
	assert.Equal(t, "B", snap.Execution.VersionLabel)
	assert.Never(t, func() bool {
		m, err := svc.GetAbTestMetrics(testID)
		return err != nil || m.A.Count+m.B.Count > 0
	}, 100*time.Millisecond, 5*time.Millisecond)
}

func TestRouter_AutoConclude(t *testing.T) {
	svc, scope := newAbTestFixture(t, nil)
	ctx := context.Background()

	testID, err := svc.StartAbTest(ctx, scope, service.AbTestConfig{
		Name:       "auto",
		VersionA:   2,
		VersionB:   1,
		AutoSelect: true,
		MinSamples: 10,
		Criteria:   models.SuccessRateCriteria,
	})
	require.NoError(t, err)

	record := func(i int, label models.VersionLabel, ok bool) {
		status := models.SuccessAbTestExecutionStatus
		if !ok {
			status = models.FailedAbTestExecutionStatus
		}
		rt := int64(100)
		require.NoError(t, svc.Router().Record(ctx, models.AbTestExecution{
			AbTestID:       testID,
			RequestID:      fmt.Sprintf("auto-%s-%d", label, i),
			VersionLabel:   label,
			Status:         status,
			ResponseTimeMs: &rt,
		}))
	}
	for i := 0; i < 10; i++ {
		record(i, models.LabelA, true)
	}
	for i := 0; i < 9; i++ {
		record(i, models.LabelB, i < 5)
	}

	test, err := svc.Router().Get(testID)
	require.NoError(t, err)
	assert.Equal(t, models.RunningAbTestStatus, test.Status, "not enough samples on B yet")

	record(9, models.LabelB, false)

	test, err = svc.Router().Get(testID)
	require.NoError(t, err)
	assert.Equal(t, models.CompletedAbTestStatus, test.Status)
	assert.Equal(t, "A", test.Winner)

	current, err := svc.CurrentVersion(models.WorkflowKind, "WF-AB")
	require.NoError(t, err)
	assert.Equal(t, 2, current.Number)
}
