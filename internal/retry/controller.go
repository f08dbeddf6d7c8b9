package retry

import (
	"math"
	"sync"
	"time"

	"testgen_pipeline/internal/config"
	"testgen_pipeline/internal/logger"
	"testgen_pipeline/pkg"
)

// Phase is the controller's per-session loop state.
type Phase string

const (
	// PhaseRunning means the loop may still continue.
	PhaseRunning Phase = "RUNNING"
	// PhaseSatisfied means the quality threshold was met; terminal.
	PhaseSatisfied Phase = "SATISFIED"
	// PhaseExhausted means the retry budget ran out; terminal.
	PhaseExhausted Phase = "EXHAUSTED"
)

type loopState struct {
	phase     Phase
	attempt   int
	lastScore float64
	nextDelay float64
}

// Controller decides whether the optimize/evaluate loop continues, how
// long to wait, and when to give up. SATISFIED and EXHAUSTED are
// terminal per session; re-entering after either requires an explicit
// Reset (a new workflow run).
type Controller struct {
	cfg config.RetryConfig

	mu       sync.Mutex
	sessions map[string]*loopState
}

// NewController creates a retry controller with the given bounds.
func NewController(cfg config.RetryConfig) *Controller {
	return &Controller{
		cfg:      cfg,
		sessions: make(map[string]*loopState),
	}
}

// Reset starts a fresh loop for the session, discarding any prior state.
func (c *Controller) Reset(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[sessionID] = &loopState{phase: PhaseRunning}
}

// Discard drops the session's loop state once the loop has exited.
func (c *Controller) Discard(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, sessionID)
}

// ShouldContinue consumes the latest quality report and decides whether
// the loop edge fires. The delay is advisory backpressure only; the
// executor does the actual waiting.
func (c *Controller) ShouldContinue(sessionID string, report *pkg.QualityReport) pkg.Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, ok := c.sessions[sessionID]
	if !ok {
		state = &loopState{phase: PhaseRunning}
		c.sessions[sessionID] = state
	}

	if state.phase != PhaseRunning {
		logger.Warn().
			Str("session_id", sessionID).
			Str("phase", string(state.phase)).
			Msg("retry controller consulted after terminal phase")
		return pkg.Decision{Continue: false}
	}

	state.lastScore = report.OverallScore

	if report.OverallScore >= c.cfg.QualityThreshold {
		state.phase = PhaseSatisfied
		logger.Info().
			Str("session_id", sessionID).
			Float64("score", report.OverallScore).
			Int("attempt", state.attempt).
			Msg("quality threshold met, loop satisfied")
		return pkg.Decision{Continue: false}
	}

	if state.attempt >= c.cfg.MaxRetries {
		state.phase = PhaseExhausted
		logger.Warn().
			Str("session_id", sessionID).
			Float64("score", report.OverallScore).
			Int("attempt", state.attempt).
			Msg("retry budget exhausted below quality threshold")
		return pkg.Decision{Continue: false}
	}

	delay := c.cfg.DelaySeconds * math.Pow(c.cfg.Backoff, float64(state.attempt))
	state.attempt++
	state.nextDelay = c.cfg.DelaySeconds * math.Pow(c.cfg.Backoff, float64(state.attempt))

	logger.Info().
		Str("session_id", sessionID).
		Float64("score", report.OverallScore).
		Int("attempt", state.attempt).
		Float64("delay_seconds", delay).
		Msg("quality below threshold, looping back to optimize")

	return pkg.Decision{
		Continue: true,
		Delay:    time.Duration(delay * float64(time.Second)),
	}
}

// PhaseOf reports the session's current loop phase.
func (c *Controller) PhaseOf(sessionID string) Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	if state, ok := c.sessions[sessionID]; ok {
		return state.phase
	}
	return PhaseRunning
}

// StateOf returns a snapshot of the session's retry counters.
func (c *Controller) StateOf(sessionID string) (pkg.RetryState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.sessions[sessionID]
	if !ok {
		return pkg.RetryState{}, false
	}
	return pkg.RetryState{
		Attempt:          state.attempt,
		LastQualityScore: state.lastScore,
		NextDelaySeconds: state.nextDelay,
	}, true
}
