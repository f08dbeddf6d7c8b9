package retry

import (
	"fmt"
	"testing"
	"time"

	"testgen_pipeline/internal/config"
	"testgen_pipeline/pkg"

	"github.com/stretchr/testify/require"
)

func testRetryConfig(maxRetries int) config.RetryConfig {
	return config.RetryConfig{
		MaxRetries:       maxRetries,
		QualityThreshold: 0.7,
		DelaySeconds:     1,
		Backoff:          1.5,
	}
}

func report(score float64) *pkg.QualityReport {
	return &pkg.QualityReport{OverallScore: score}
}

func TestLoopTerminatesAfterExactBudget(t *testing.T) {
	// For any budget N and scores all below threshold, the controller
	// must emit exactly N continues followed by one EXHAUSTED stop.
	for _, n := range []int{0, 1, 2, 3, 5} {
		t.Run(fmt.Sprintf("max_retries=%d", n), func(t *testing.T) {
			c := NewController(testRetryConfig(n))
			c.Reset("s1")

			continues := 0
			for i := 0; i < n+10; i++ {
				d := c.ShouldContinue("s1", report(0.4))
				if !d.Continue {
					break
				}
				continues++
			}
			require.Equal(t, n, continues)
			require.Equal(t, PhaseExhausted, c.PhaseOf("s1"))
		})
	}
}

func TestSatisfiedOnFirstEvaluation(t *testing.T) {
	c := NewController(testRetryConfig(3))
	c.Reset("s1")

	d := c.ShouldContinue("s1", report(0.9))
	require.False(t, d.Continue)
	require.Equal(t, PhaseSatisfied, c.PhaseOf("s1"))

	// No retry budget consumed.
	state, ok := c.StateOf("s1")
	require.True(t, ok)
	require.Equal(t, 0, state.Attempt)
}

func TestDelayGrowsExponentially(t *testing.T) {
	c := NewController(testRetryConfig(3))
	c.Reset("s1")

	wantDelays := []time.Duration{
		1 * time.Second,
		1500 * time.Millisecond,
		2250 * time.Millisecond,
	}
	for _, want := range wantDelays {
		d := c.ShouldContinue("s1", report(0.3))
		require.True(t, d.Continue)
		require.Equal(t, want, d.Delay)
	}
}

func TestTerminalPhasesStayTerminal(t *testing.T) {
	c := NewController(testRetryConfig(1))
	c.Reset("s1")

	require.True(t, c.ShouldContinue("s1", report(0.4)).Continue)
	require.False(t, c.ShouldContinue("s1", report(0.4)).Continue)
	require.Equal(t, PhaseExhausted, c.PhaseOf("s1"))

	// Even a passing score cannot resurrect an exhausted loop.
	require.False(t, c.ShouldContinue("s1", report(0.99)).Continue)
	require.Equal(t, PhaseExhausted, c.PhaseOf("s1"))
}

func TestResetStartsFreshLoop(t *testing.T) {
	c := NewController(testRetryConfig(1))
	c.Reset("s1")

	require.True(t, c.ShouldContinue("s1", report(0.4)).Continue)
	require.False(t, c.ShouldContinue("s1", report(0.4)).Continue)

	c.Reset("s1")
	require.Equal(t, PhaseRunning, c.PhaseOf("s1"))
	require.True(t, c.ShouldContinue("s1", report(0.4)).Continue)
}

func TestSessionsAreIndependent(t *testing.T) {
	c := NewController(testRetryConfig(1))
	c.Reset("a")
	c.Reset("b")

	require.True(t, c.ShouldContinue("a", report(0.4)).Continue)
	require.False(t, c.ShouldContinue("a", report(0.4)).Continue)

	require.True(t, c.ShouldContinue("b", report(0.4)).Continue)
}

func TestDiscardDropsState(t *testing.T) {
	c := NewController(testRetryConfig(2))
	c.Reset("s1")
	c.ShouldContinue("s1", report(0.4))

	c.Discard("s1")
	_, ok := c.StateOf("s1")
	require.False(t, ok)
}

func TestStateSnapshot(t *testing.T) {
	c := NewController(testRetryConfig(3))
	c.Reset("s1")
	c.ShouldContinue("s1", report(0.55))

	state, ok := c.StateOf("s1")
	require.True(t, ok)
	require.Equal(t, 1, state.Attempt)
	require.Equal(t, 0.55, state.LastQualityScore)
	require.Equal(t, 1.5, state.NextDelaySeconds)
}
