package invoker_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/False-Maker/test-genius-sub004/internal/invoker"
	"github.com/False-Maker/test-genius-sub004/pkg/models"
	"github.com/False-Maker/test-genius-sub004/pkg/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPInvoker(t *testing.T) {
	var (
		mu  sync.Mutex
		got service.InvokeRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != invoker.ExecutePath {
			http.NotFound(w, r)
			return
		}
		var in service.InvokeRequest
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&in)) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		got = in
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		switch in.Node.ID {
		case "ok":
			w.Write([]byte(`{"output":{"cases":3},"cost":0.12,"duration_ms":850}`))
		case "reported":
			w.Write([]byte(`{"error":"model overloaded"}`))
		case "broken":
			w.WriteHeader(http.StatusBadGateway)
			w.Write([]byte("upstream exploded"))
		case "slow":
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		}
	}))
	defer srv.Close()

	inv := invoker.NewHTTPInvoker(srv.URL+"/", 5*time.Second)
	req := func(id string) service.InvokeRequest {
		return service.InvokeRequest{
			ExecutionID: "EXEC-1",
			Node:        models.Node{ID: id, Type: "llm_call"},
			Attempt:     1,
			Input:       json.RawMessage(`{"feature":"login"}`),
		}
	}

	t.Run("Success", func(t *testing.T) {
		res, err := inv.Invoke(context.Background(), req("ok"))
		require.NoError(t, err)
		assert.JSONEq(t, `{"cases":3}`, string(res.Output))
		assert.Equal(t, 0.12, res.Cost)
		assert.Equal(t, 850*time.Millisecond, res.Duration)
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, "EXEC-1", got.ExecutionID)
		assert.JSONEq(t, `{"feature":"login"}`, string(got.Input))
	})

	t.Run("ReportedError", func(t *testing.T) {
		_, err := inv.Invoke(context.Background(), req("reported"))
		assert.ErrorIs(t, err, service.ErrExecutionFailure)
		assert.Contains(t, err.Error(), "model overloaded")
	})

	t.Run("BadStatus", func(t *testing.T) {
		_, err := inv.Invoke(context.Background(), req("broken"))
		assert.ErrorIs(t, err, service.ErrExecutionFailure)
		assert.Contains(t, err.Error(), "502")
		assert.Contains(t, err.Error(), "upstream exploded")
	})

	t.Run("ContextDeadline", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err := inv.Invoke(ctx, req("slow"))
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}
