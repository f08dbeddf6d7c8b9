package invoker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"testgen_pipeline/internal/cache"
	"testgen_pipeline/internal/config"
	"testgen_pipeline/internal/storage"
	"testgen_pipeline/pkg"

	"github.com/stretchr/testify/require"
)

func newTestInvoker(t *testing.T) (*Invoker, *storage.MemoryRecordStore, *cache.Manager) {
	t.Helper()
	cfg := config.InvokerConfig{MaxAttempts: 3, BackoffSeconds: 0.001}
	cacheCfg := config.CacheConfig{
		L1TTLSeconds:   300,
		L2TTLSeconds:   3600,
		L3TTLSeconds:   86400,
		L1SeedMaxBytes: 64 * 1024,
	}
	manager := cache.NewManager(cacheCfg, cache.NewMemoryBackend())
	t.Cleanup(manager.Close)
	records := storage.NewMemoryRecordStore()
	return New(cfg, manager, records), records, manager
}

func baseCall(variants ...TaskFunc) Invocation {
	return Invocation{
		SessionID: "s1",
		Node:      "map_figma_viewpoints",
		Reads:     []string{"figma_data"},
		Input:     pkg.Fields{"figma_data": "frame-tree", "unrelated": "ignored"},
		Tier:      pkg.TierL2,
		Cacheable: true,
		Variants:  variants,
	}
}

func TestInvokeRunsTaskAndCachesResult(t *testing.T) {
	inv, records, _ := newTestInvoker(t)

	var calls atomic.Int64
	task := func(ctx context.Context, state pkg.Fields) (pkg.Fields, error) {
		calls.Add(1)
		return pkg.Fields{"figma_viewpoints_mapping": "m1"}, nil
	}

	update, err := inv.Invoke(context.Background(), baseCall(task))
	require.NoError(t, err)
	require.Equal(t, "m1", update["figma_viewpoints_mapping"])

	// Second invocation with identical declared inputs is served from
	// cache without calling the task.
	update, err = inv.Invoke(context.Background(), baseCall(task))
	require.NoError(t, err)
	require.Equal(t, "m1", update["figma_viewpoints_mapping"])
	require.Equal(t, int64(1), calls.Load())

	recs, err := records.Records(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, pkg.ExecSuccess, recs[0].Status)
	require.Equal(t, pkg.ExecCacheHit, recs[1].Status)
	require.Equal(t, recs[0].CacheKey, recs[1].CacheKey)
}

func TestCacheKeyIgnoresUndeclaredFields(t *testing.T) {
	inv, _, _ := newTestInvoker(t)

	var calls atomic.Int64
	task := func(ctx context.Context, state pkg.Fields) (pkg.Fields, error) {
		calls.Add(1)
		return pkg.Fields{"out": "v"}, nil
	}

	first := baseCall(task)
	_, err := inv.Invoke(context.Background(), first)
	require.NoError(t, err)

	// Changing a field the node never declared must not break the hit.
	second := baseCall(task)
	second.Input = pkg.Fields{"figma_data": "frame-tree", "unrelated": "changed"}
	_, err = inv.Invoke(context.Background(), second)
	require.NoError(t, err)
	require.Equal(t, int64(1), calls.Load())
}

func TestNonCacheableNodeAlwaysExecutes(t *testing.T) {
	inv, _, _ := newTestInvoker(t)

	var calls atomic.Int64
	task := func(ctx context.Context, state pkg.Fields) (pkg.Fields, error) {
		calls.Add(1)
		return pkg.Fields{"quality_analysis": map[string]any{"overall_score": 0.4}}, nil
	}

	call := baseCall(task)
	call.Cacheable = false
	for i := 0; i < 3; i++ {
		_, err := inv.Invoke(context.Background(), call)
		require.NoError(t, err)
	}
	require.Equal(t, int64(3), calls.Load())
}

func TestTransientFailureRetriedThenSucceeds(t *testing.T) {
	inv, records, _ := newTestInvoker(t)

	var calls atomic.Int64
	task := func(ctx context.Context, state pkg.Fields) (pkg.Fields, error) {
		if calls.Add(1) < 3 {
			return nil, pkg.NewTransientError("map_figma_viewpoints", errors.New("rate limited"))
		}
		return pkg.Fields{"out": "v"}, nil
	}

	update, err := inv.Invoke(context.Background(), baseCall(task))
	require.NoError(t, err)
	require.Equal(t, "v", update["out"])
	require.Equal(t, int64(3), calls.Load())

	recs, err := records.Records(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, recs, 3)
	require.Equal(t, pkg.ExecFailure, recs[0].Status)
	require.Equal(t, "TransientTaskError", recs[0].ErrorKind)
	require.Equal(t, pkg.ExecFailure, recs[1].Status)
	require.Equal(t, pkg.ExecSuccess, recs[2].Status)
	require.Equal(t, 3, recs[2].Attempt)
}

func TestTransientBudgetExhausted(t *testing.T) {
	inv, _, _ := newTestInvoker(t)

	var calls atomic.Int64
	task := func(ctx context.Context, state pkg.Fields) (pkg.Fields, error) {
		calls.Add(1)
		return nil, pkg.NewTransientError("map_figma_viewpoints", errors.New("still down"))
	}

	_, err := inv.Invoke(context.Background(), baseCall(task))
	require.Error(t, err)
	require.True(t, pkg.IsTransient(err))
	require.Equal(t, int64(3), calls.Load())
}

func TestPermanentFailureSkipsRetriesAndFallsBack(t *testing.T) {
	inv, records, _ := newTestInvoker(t)

	var primaryCalls, fallbackCalls atomic.Int64
	primary := func(ctx context.Context, state pkg.Fields) (pkg.Fields, error) {
		primaryCalls.Add(1)
		return nil, pkg.NewPermanentError("map_figma_viewpoints", errors.New("malformed response"))
	}
	fallback := func(ctx context.Context, state pkg.Fields) (pkg.Fields, error) {
		fallbackCalls.Add(1)
		return pkg.Fields{"out": "from-fallback"}, nil
	}

	update, err := inv.Invoke(context.Background(), baseCall(primary, fallback))
	require.NoError(t, err)
	require.Equal(t, "from-fallback", update["out"])
	require.Equal(t, int64(1), primaryCalls.Load())
	require.Equal(t, int64(1), fallbackCalls.Load())

	recs, err := records.Records(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, "PermanentTaskError", recs[0].ErrorKind)
	require.Equal(t, pkg.ExecSuccess, recs[1].Status)
}

func TestAllVariantsFailReturnsLastError(t *testing.T) {
	inv, _, _ := newTestInvoker(t)

	first := func(ctx context.Context, state pkg.Fields) (pkg.Fields, error) {
		return nil, pkg.NewPermanentError("map_figma_viewpoints", errors.New("first broken"))
	}
	second := func(ctx context.Context, state pkg.Fields) (pkg.Fields, error) {
		return nil, pkg.NewPermanentError("map_figma_viewpoints", errors.New("second broken"))
	}

	_, err := inv.Invoke(context.Background(), baseCall(first, second))
	require.Error(t, err)
	require.ErrorContains(t, err, "second broken")
	require.True(t, pkg.IsPermanent(err))
}

func TestMissingDeclaredFieldFailsBeforeExecution(t *testing.T) {
	inv, records, _ := newTestInvoker(t)

	task := func(ctx context.Context, state pkg.Fields) (pkg.Fields, error) {
		t.Fatal("task must not run with missing inputs")
		return nil, nil
	}

	call := baseCall(task)
	call.Input = pkg.Fields{"unrelated": "x"}
	_, err := inv.Invoke(context.Background(), call)

	var missing *pkg.MissingFieldError
	require.ErrorAs(t, err, &missing)
	require.Equal(t, "map_figma_viewpoints", missing.Node)
	require.Equal(t, "figma_data", missing.Field)

	recs, err := records.Records(context.Background(), "s1")
	require.NoError(t, err)
	require.Empty(t, recs)
}

func TestTimeoutTreatedAsTransient(t *testing.T) {
	inv, records, _ := newTestInvoker(t)

	var calls atomic.Int64
	task := func(ctx context.Context, state pkg.Fields) (pkg.Fields, error) {
		if calls.Add(1) == 1 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return pkg.Fields{"out": "v"}, nil
	}

	call := baseCall(task)
	call.Timeout = 10 * time.Millisecond
	update, err := inv.Invoke(context.Background(), call)
	require.NoError(t, err)
	require.Equal(t, "v", update["out"])

	recs, err := records.Records(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, pkg.ExecFailure, recs[0].Status)
	require.Equal(t, "TransientTaskError", recs[0].ErrorKind)
}

func TestCancelledContextStopsFallbackChain(t *testing.T) {
	inv, _, _ := newTestInvoker(t)

	ctx, cancel := context.WithCancel(context.Background())
	var fallbackCalls atomic.Int64
	primary := func(ctx context.Context, state pkg.Fields) (pkg.Fields, error) {
		cancel()
		return nil, ctx.Err()
	}
	fallback := func(ctx context.Context, state pkg.Fields) (pkg.Fields, error) {
		fallbackCalls.Add(1)
		return pkg.Fields{"out": "v"}, nil
	}

	_, err := inv.Invoke(ctx, baseCall(primary, fallback))
	require.Error(t, err)
	require.Equal(t, int64(0), fallbackCalls.Load())
}

func TestForgetReleasesAttemptCounters(t *testing.T) {
	inv, _, _ := newTestInvoker(t)

	task := func(ctx context.Context, state pkg.Fields) (pkg.Fields, error) {
		return pkg.Fields{"out": "v"}, nil
	}
	for i := 0; i < 3; i++ {
		call := baseCall(task)
		call.SessionID = fmt.Sprintf("s%d", i)
		call.Cacheable = false
		_, err := inv.Invoke(context.Background(), call)
		require.NoError(t, err)
	}
	require.Len(t, inv.attempts, 3)

	inv.Forget("s0")
	require.Len(t, inv.attempts, 2)
	_, held := inv.attempts["s1:map_figma_viewpoints"]
	require.True(t, held)

	inv.Forget("s1")
	inv.Forget("s2")
	require.Empty(t, inv.attempts)

	// Forgetting is idempotent and safe for unknown sessions.
	inv.Forget("s0")
	inv.Forget("never-started")
}

func TestNoVariantsIsAnError(t *testing.T) {
	inv, _, _ := newTestInvoker(t)
	_, err := inv.Invoke(context.Background(), baseCall())
	require.Error(t, err)
}
