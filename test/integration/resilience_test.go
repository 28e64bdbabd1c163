package integration

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/pitabwire/haulflow/model"
)

// ==========================================================================
// Idempotency Tests
// ==========================================================================

func TestResilience_IdempotentReplayThroughRedis(t *testing.T) {
	h := NewTestHarness(t, WithRedisIdempotency())
	h.SeedContract("Davaa-1")
	exec := h.SeedExecution()
	token := h.GenerateToken(DriverClaims("d-1"))
	headers := map[string]string{"X-Idempotency-Key": "tap-7"}
	body := map[string]string{"direction": "forward"}

	var first, second model.MoveResult
	h.AssertJSON(t, h.POSTWithHeaders(ExecutionPath(exec.ID)+"/move", body, token, headers), http.StatusOK, &first)
	h.AssertJSON(t, h.POSTWithHeaders(ExecutionPath(exec.ID)+"/move", body, token, headers), http.StatusOK, &second)

	if second.Execution.Status != first.Execution.Status || second.Execution.Version != first.Execution.Version {
		t.Errorf("replay = %s v%d, want %s v%d",
			second.Execution.Status, second.Execution.Version, first.Execution.Status, first.Execution.Version)
	}
	if n := len(h.Events.Events()); n != 1 {
		t.Errorf("published events = %d, want 1", n)
	}
	if got := testutil.ToFloat64(h.Metrics.IdempotentReplaysTotal); got != 1 {
		t.Errorf("replays = %v, want 1", got)
	}
	if keys := h.Redis.Keys(); len(keys) != 1 {
		t.Errorf("redis keys = %v, want one cached result", keys)
	}
}

func TestResilience_IdempotencyKeyReuseWithDifferentInput(t *testing.T) {
	h := NewTestHarness(t, WithRedisIdempotency())
	h.SeedContract("Davaa-1")
	exec := h.SeedExecution()
	token := h.GenerateToken(DriverClaims("d-1"))
	headers := map[string]string{"X-Idempotency-Key": "tap-8"}

	resp := h.POSTWithHeaders(ExecutionPath(exec.ID)+"/move", map[string]string{"direction": "forward"}, token, headers)
	h.AssertStatus(t, resp, http.StatusOK)

	resp = h.POSTWithHeaders(ExecutionPath(exec.ID)+"/move", map[string]string{"direction": "backward"}, token, headers)
	h.AssertError(t, resp, http.StatusConflict, model.ErrConflict)
}

func TestResilience_WithoutIdempotencyStoreKeysAreIgnored(t *testing.T) {
	h := NewTestHarness(t, WithoutIdempotency())
	h.SeedContract("Davaa-1", "Sainshand")
	exec := h.SeedExecution()
	token := h.GenerateToken(DriverClaims("d-1"))
	headers := map[string]string{"X-Idempotency-Key": "tap-10"}
	body := map[string]string{"direction": "forward"}

	var first, second model.MoveResult
	h.AssertJSON(t, h.POSTWithHeaders(ExecutionPath(exec.ID)+"/move", body, token, headers), http.StatusOK, &first)
	h.AssertJSON(t, h.POSTWithHeaders(ExecutionPath(exec.ID)+"/move", body, token, headers), http.StatusOK, &second)

	if first.Execution.Status != "Davaa-1" || second.Execution.Status != "Sainshand" {
		t.Errorf("moves = %s then %s, want Davaa-1 then Sainshand", first.Execution.Status, second.Execution.Status)
	}
	if n := len(h.Events.Events()); n != 2 {
		t.Errorf("published events = %d, want 2", n)
	}
	if got := testutil.ToFloat64(h.Metrics.IdempotentReplaysTotal); got != 0 {
		t.Errorf("replays = %v, want 0", got)
	}

	var ready struct {
		Checks map[string]any `json:"checks"`
	}
	h.AssertJSON(t, h.GET("/ui/ready", ""), http.StatusOK, &ready)
	if _, ok := ready.Checks["idempotency_store"]; ok {
		t.Errorf("readiness checks = %v, want no idempotency_store", ready.Checks)
	}
}

func TestResilience_RedisOutage(t *testing.T) {
	h := NewTestHarness(t, WithRedisIdempotency())
	h.SeedContract("Davaa-1")
	exec := h.SeedExecution()
	token := h.GenerateToken(DriverClaims("d-1"))

	h.Redis.Close()

	t.Run("readiness reports the idempotency store", func(t *testing.T) {
		var body struct {
			Status string                    `json:"status"`
			Checks map[string]map[string]any `json:"checks"`
		}
		h.AssertJSON(t, h.GET("/ui/ready", ""), http.StatusServiceUnavailable, &body)
		if body.Status != "not_ready" || body.Checks["idempotency_store"]["status"] != "error" {
			t.Errorf("readiness = %+v", body)
		}
		if body.Checks["store"]["status"] != "ok" {
			t.Errorf("store check = %v, want ok", body.Checks["store"])
		}
	})

	t.Run("keyed move fails without moving", func(t *testing.T) {
		resp := h.POSTWithHeaders(ExecutionPath(exec.ID)+"/move", map[string]string{"direction": "forward"}, token,
			map[string]string{"X-Idempotency-Key": "tap-9"})
		h.AssertError(t, resp, http.StatusInternalServerError, model.ErrInternalError)

		var got model.Execution
		h.AssertJSON(t, h.GET(ExecutionPath(exec.ID), token), http.StatusOK, &got)
		if got.Status != model.StagePending {
			t.Errorf("status = %q, want Pending", got.Status)
		}
	})

	t.Run("unkeyed move still works", func(t *testing.T) {
		resp := h.POST(ExecutionPath(exec.ID)+"/move", map[string]string{"direction": "forward"}, token)
		h.AssertStatus(t, resp, http.StatusOK)
	})
}

// ==========================================================================
// Publisher Failure Tests
// ==========================================================================

type failingPublisher struct{}

func (failingPublisher) PublishTransition(context.Context, model.TransitionEvent) error {
	return errors.New("broker unreachable")
}

func (failingPublisher) Close() error { return nil }

func TestResilience_PublishFailureDoesNotFailMove(t *testing.T) {
	h := NewTestHarness(t, WithPublisher(failingPublisher{}))
	h.SeedContract("Davaa-1")
	exec := h.SeedExecution()
	token := h.GenerateToken(DispatcherClaims())

	var res model.MoveResult
	h.AssertJSON(t, h.POST(ExecutionPath(exec.ID)+"/move", map[string]string{"direction": "forward"}, token), http.StatusOK, &res)
	if !res.Changed || res.Execution.Status != "Davaa-1" {
		t.Fatalf("move = %s", FormatJSON(res))
	}
	if got := testutil.ToFloat64(h.Metrics.PublishFailuresTotal); got != 1 {
		t.Errorf("publish failures = %v, want 1", got)
	}
}

// ==========================================================================
// Concurrency Tests
// ==========================================================================

func TestResilience_ConcurrentDragsCommitOnce(t *testing.T) {
	h := NewTestHarness(t)
	h.SeedContract("Davaa-1", "Sainshand")
	exec := h.SeedExecution()
	token := h.GenerateToken(DispatcherClaims())
	path := ExecutionPath(exec.ID) + "/drag"

	h.AssertStatus(t, h.POST(ExecutionPath(exec.ID)+"/move", map[string]string{"direction": "forward"}, token), http.StatusOK)

	// Every caller asks for the same adjacent stage. One commits, the rest
	// retry against the new version and see a no-op.
	const callers = 8
	var wg sync.WaitGroup
	statuses := make([]int, callers)
	changed := make([]bool, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := h.POST(path, map[string]string{"target": "Sainshand"}, token)
			statuses[i] = resp.StatusCode
			if resp.StatusCode == http.StatusOK {
				var res model.MoveResult
				h.ParseJSON(resp, &res)
				changed[i] = res.Changed
			} else {
				resp.Body.Close()
			}
		}()
	}
	wg.Wait()

	commits := 0
	for i := range callers {
		if statuses[i] != http.StatusOK {
			t.Errorf("caller %d status = %d, want 200", i, statuses[i])
		}
		if changed[i] {
			commits++
		}
	}
	if commits != 1 {
		t.Errorf("commits = %d, want exactly 1", commits)
	}

	var got model.Execution
	h.AssertJSON(t, h.GET(ExecutionPath(exec.ID), token), http.StatusOK, &got)
	if len(got.StatusHistory) != 3 || got.Status != "Sainshand" {
		t.Errorf("history = %s, want Pending, Davaa-1, Sainshand", FormatJSON(got.StatusHistory))
	}
	if n := len(h.Events.Events()); n != 2 {
		t.Errorf("published events = %d, want 2", n)
	}
}

// ==========================================================================
// Timeout Tests
// ==========================================================================

func TestResilience_HandlerTimeoutStillServes(t *testing.T) {
	h := NewTestHarness(t, WithHandlerTimeout(5*time.Second))
	token := h.GenerateToken(DispatcherClaims())

	resp := h.GET("/api/contracts", token)
	h.AssertStatus(t, resp, http.StatusOK)
}
