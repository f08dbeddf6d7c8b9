package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"testgen_pipeline/internal/config"
	"testgen_pipeline/internal/invoker"
	"testgen_pipeline/internal/logger"
	"testgen_pipeline/internal/retry"
	"testgen_pipeline/internal/storage"
	"testgen_pipeline/pkg"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
)

// TaskSet binds node names to their ordered task function fallback
// chains. The executor never sees provider identity; variants are tried
// in order inside the invoker.
type TaskSet map[string][]invoker.TaskFunc

// Status is the user-visible snapshot of one session. It reports the
// terminal error kind and the last completed node, never a raw internal
// fault.
type Status struct {
	Status         pkg.SessionStatus `json:"status"`
	CurrentNode    string            `json:"current_node,omitempty"`
	Progress       float64           `json:"progress_fraction"`
	LastNode       string            `json:"last_completed_node,omitempty"`
	ErrorKind      string            `json:"error_kind,omitempty"`
	RetryExhausted bool              `json:"retry_exhausted"`
}

// StartOptions tune one session start.
type StartOptions struct {
	// IdempotencyKey doubles as the session id when set. A start with a
	// key whose session is still running is rejected.
	IdempotencyKey string
}

type sessionRun struct {
	graph  *Graph
	cancel context.CancelFunc
	done   chan struct{}

	mu          sync.Mutex
	currentNode string
	completed   map[string]bool
}

func (r *sessionRun) setCurrent(node string) {
	r.mu.Lock()
	r.currentNode = node
	r.mu.Unlock()
}

func (r *sessionRun) markCompleted(node string) {
	r.mu.Lock()
	r.completed[node] = true
	r.mu.Unlock()
}

func (r *sessionRun) snapshot() (string, float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentNode, float64(len(r.completed)) / float64(len(r.graph.Nodes))
}

// Executor drives workflow graphs over the state store, task invoker and
// retry controller. Many sessions run concurrently and independently;
// within one session node execution is strictly sequential except the
// fan-out branches.
type Executor struct {
	cfg        *config.Config
	store      storage.StateStore
	invoker    *invoker.Invoker
	controller *retry.Controller
	tasks      TaskSet

	mu   sync.Mutex
	runs map[string]*sessionRun
}

// NewExecutor creates an executor over the given collaborators.
func NewExecutor(cfg *config.Config, store storage.StateStore, inv *invoker.Invoker, controller *retry.Controller, tasks TaskSet) *Executor {
	return &Executor{
		cfg:        cfg,
		store:      store,
		invoker:    inv,
		controller: controller,
		tasks:      tasks,
		runs:       make(map[string]*sessionRun),
	}
}

// Start validates the graph and input, creates the session, and begins
// executing it in its own goroutine. It returns the session id
// immediately.
func (e *Executor) Start(ctx context.Context, variant pkg.WorkflowVariant, payload pkg.Fields, opts StartOptions) (string, error) {
	graph, err := BuildGraph(variant)
	if err != nil {
		return "", err
	}
	for name := range graph.Nodes {
		if len(e.tasks[name]) == 0 {
			return "", fmt.Errorf("no task function registered for node %s", name)
		}
	}
	for _, field := range graph.InitialFields {
		if _, ok := payload[field]; !ok {
			return "", &pkg.MissingFieldError{Node: "input", Field: field}
		}
	}

	sessionID := opts.IdempotencyKey
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	// A key that already names a live session is a duplicate regardless
	// of status; finished sessions keep their result queryable under the
	// same key until they expire.
	if _, err := e.store.GetSession(ctx, sessionID); err == nil {
		return "", fmt.Errorf("session %s: %w", sessionID, pkg.ErrDuplicateSession)
	} else if !errors.Is(err, pkg.ErrSessionNotFound) {
		return "", err
	}

	now := time.Now().UTC()
	session := &pkg.Session{
		ID:        sessionID,
		Variant:   variant,
		Status:    pkg.SessionInitialized,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.SaveSession(ctx, session); err != nil {
		return "", err
	}
	if _, err := e.store.Append(ctx, sessionID, -1, payload, "input"); err != nil {
		return "", err
	}

	// The run outlives the caller's context; cancellation goes through
	// Cancel.
	runCtx, cancel := context.WithCancel(context.Background())
	run := &sessionRun{
		graph:     graph,
		cancel:    cancel,
		done:      make(chan struct{}),
		completed: make(map[string]bool),
	}
	e.mu.Lock()
	e.runs[sessionID] = run
	e.mu.Unlock()

	e.controller.Reset(sessionID)

	session.Status = pkg.SessionRunning
	session.UpdatedAt = time.Now().UTC()
	if err := e.store.SaveSession(ctx, session); err != nil {
		cancel()
		e.mu.Lock()
		delete(e.runs, sessionID)
		e.mu.Unlock()
		e.controller.Discard(sessionID)
		return "", err
	}

	logger.Info().
		Str("session_id", sessionID).
		Str("variant", string(variant)).
		Msg("workflow session started")

	go e.run(runCtx, session, run)
	return sessionID, nil
}

// Status reports the session's lifecycle state, current node and
// progress fraction.
func (e *Executor) Status(ctx context.Context, sessionID string) (*Status, error) {
	session, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	status := &Status{
		Status:         session.Status,
		LastNode:       session.LastNode,
		ErrorKind:      session.ErrorKind,
		RetryExhausted: session.RetryExhausted,
		Progress:       1,
	}
	if session.Status == pkg.SessionFailed {
		status.Progress = 0
	}

	e.mu.Lock()
	run, ok := e.runs[sessionID]
	e.mu.Unlock()
	if session.Status == pkg.SessionRunning {
		// A RUNNING record without a live run means the process restarted
		// mid-run; nothing is executing.
		status.Progress = 0
		if ok {
			status.CurrentNode, status.Progress = run.snapshot()
		}
	}
	return status, nil
}

// Result returns the final state fields of a completed session.
func (e *Executor) Result(ctx context.Context, sessionID string) (pkg.Fields, error) {
	session, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != pkg.SessionCompleted {
		return nil, fmt.Errorf("session %s is %s: %w", sessionID, session.Status, pkg.ErrNotCompleted)
	}
	latest, err := e.store.Latest(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return latest.Fields, nil
}

// Cancel requests a session abort. An in-flight node invocation runs to
// completion but its result is discarded.
func (e *Executor) Cancel(sessionID string) error {
	e.mu.Lock()
	run, ok := e.runs[sessionID]
	e.mu.Unlock()
	if !ok {
		return pkg.ErrSessionNotFound
	}
	run.cancel()
	return nil
}

// Wait blocks until the session's run goroutine finishes. Used by
// callers that need the terminal state synchronously.
func (e *Executor) Wait(sessionID string) {
	e.mu.Lock()
	run, ok := e.runs[sessionID]
	e.mu.Unlock()
	if ok {
		<-run.done
	}
}

// run walks the graph for one session: invoke the current node, append
// the merged state version, then follow the first matching edge.
func (e *Executor) run(ctx context.Context, session *pkg.Session, run *sessionRun) {
	defer close(run.done)
	defer func() {
		e.mu.Lock()
		delete(e.runs, session.ID)
		e.mu.Unlock()
		e.controller.Discard(session.ID)
		e.invoker.Forget(session.ID)
	}()

	graph := run.graph
	latest, err := e.store.Latest(ctx, session.ID)
	if err != nil {
		e.fail(session, "", err)
		return
	}

	cursor := graph.Start
	lastCompleted := ""
	for {
		if ctx.Err() != nil {
			e.fail(session, lastCompleted, pkg.ErrCancelled)
			return
		}

		node := graph.Nodes[cursor]
		run.setCurrent(cursor)

		update, err := e.invokeNode(ctx, session.ID, node, latest.Fields)
		if ctx.Err() != nil {
			// In-flight result is discarded on cancellation.
			e.fail(session, lastCompleted, pkg.ErrCancelled)
			return
		}
		if err != nil {
			e.fail(session, lastCompleted, err)
			return
		}

		latest, err = e.store.Append(ctx, session.ID, latest.Sequence, update, node.Name)
		if err != nil {
			e.fail(session, lastCompleted, err)
			return
		}
		run.markCompleted(node.Name)
		lastCompleted = node.Name

		if fo, ok := graph.FanOuts[cursor]; ok {
			latest, err = e.runFanOut(ctx, session.ID, run, fo, latest)
			if ctx.Err() != nil {
				e.fail(session, lastCompleted, pkg.ErrCancelled)
				return
			}
			if err != nil {
				e.fail(session, lastCompleted, err)
				return
			}
			lastCompleted = fo.Branches[len(fo.Branches)-1]
			cursor = fo.Join
			continue
		}

		if node.Terminal {
			e.complete(session, node.Name)
			return
		}

		next, err := e.nextNode(ctx, session, run, node, latest.Fields)
		if err != nil {
			e.fail(session, lastCompleted, err)
			return
		}
		if next == "" {
			// Graph exhaustion without a terminal node still completes.
			e.complete(session, node.Name)
			return
		}
		cursor = next
	}
}

// invokeNode resolves the node's invocation parameters and calls the
// task through the invoker. The task gets its own copy of the state so
// an in-place mutation cannot reach the persisted version.
func (e *Executor) invokeNode(ctx context.Context, sessionID string, node *Node, fields pkg.Fields) (pkg.Fields, error) {
	return e.invoker.Invoke(ctx, invoker.Invocation{
		SessionID: sessionID,
		Node:      node.Name,
		Reads:     node.Reads,
		Input:     fields.Clone(),
		Tier:      e.cfg.NodeCacheTier(node.Name, node.Tier),
		Timeout:   e.cfg.NodeTimeout(node.Name),
		Cacheable: node.Cacheable,
		Variants:  e.tasks[node.Name],
	})
}

type branchResult struct {
	index  int
	update pkg.Fields
	err    error
}

// runFanOut executes the declared branches in parallel against the same
// state snapshot, then appends their updates in declaration order. The
// join node runs only if every branch succeeded.
func (e *Executor) runFanOut(ctx context.Context, sessionID string, run *sessionRun, fo FanOut, latest *pkg.StateVersion) (*pkg.StateVersion, error) {
	results := make(chan branchResult, len(fo.Branches))
	for i, name := range fo.Branches {
		go func(index int, node *Node) {
			update, err := e.invokeNode(ctx, sessionID, node, latest.Fields)
			results <- branchResult{index: index, update: update, err: err}
		}(i, run.graph.Nodes[name])
	}

	updates := make([]pkg.Fields, len(fo.Branches))
	var firstErr error
	for range fo.Branches {
		res := <-results
		if res.err != nil && firstErr == nil {
			firstErr = res.err
		}
		updates[res.index] = res.update
	}
	if firstErr != nil {
		return nil, firstErr
	}

	// Appends stay sequential: the single-writer invariant holds even
	// though the branch tasks ran concurrently.
	var err error
	for i, name := range fo.Branches {
		latest, err = e.store.Append(ctx, sessionID, latest.Sequence, updates[i], name)
		if err != nil {
			return nil, err
		}
		run.markCompleted(name)
	}
	return latest, nil
}

// nextNode evaluates outgoing edges in declaration order and returns the
// first match. The loop edge is gated by the retry controller and honors
// its advisory delay.
func (e *Executor) nextNode(ctx context.Context, session *pkg.Session, run *sessionRun, node *Node, fields pkg.Fields) (string, error) {
	for _, edge := range run.graph.Edges[node.Name] {
		if edge.Loop {
			report, err := decodeQualityReport(fields[FieldQualityReport])
			if err != nil {
				return "", err
			}
			decision := e.controller.ShouldContinue(session.ID, report)
			if !decision.Continue {
				if e.controller.PhaseOf(session.ID) == retry.PhaseExhausted {
					session.RetryExhausted = true
				}
				continue
			}
			if err := e.sleep(ctx, decision.Delay); err != nil {
				return "", err
			}
			return edge.To, nil
		}
		if edge.When == nil || edge.When(fields) {
			return edge.To, nil
		}
	}
	return "", nil
}

// sleep waits out the advisory delay, returning early on cancellation.
func (e *Executor) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return pkg.ErrCancelled
	case <-timer.C:
		return nil
	}
}

// complete sets the terminal COMPLETED status exactly once.
func (e *Executor) complete(session *pkg.Session, lastNode string) {
	session.Status = pkg.SessionCompleted
	session.LastNode = lastNode
	session.UpdatedAt = time.Now().UTC()
	if err := e.store.SaveSession(context.Background(), session); err != nil {
		logger.Error().Str("session_id", session.ID).Err(err).Msg("failed to persist completed session")
	}

	logger.Info().
		Str("session_id", session.ID).
		Bool("retry_exhausted", session.RetryExhausted).
		Msg("workflow session completed")
}

// fail sets the terminal FAILED status with the first fatal error; no
// further nodes execute. Partial results up to the last successful state
// version remain queryable.
func (e *Executor) fail(session *pkg.Session, lastNode string, err error) {
	session.Status = pkg.SessionFailed
	session.LastNode = lastNode
	session.ErrorKind = pkg.ErrorKind(err)
	session.UpdatedAt = time.Now().UTC()
	if saveErr := e.store.SaveSession(context.Background(), session); saveErr != nil {
		logger.Error().Str("session_id", session.ID).Err(saveErr).Msg("failed to persist failed session")
	}

	logger.Error().
		Str("session_id", session.ID).
		Str("last_node", lastNode).
		Str("error_kind", session.ErrorKind).
		Err(err).
		Msg("workflow session failed")
}

// decodeQualityReport tolerates both the typed report a task returns in
// process and the generic map shape it takes after a JSON round trip.
func decodeQualityReport(v any) (*pkg.QualityReport, error) {
	switch t := v.(type) {
	case nil:
		return nil, &pkg.MissingFieldError{Node: NodeEvaluateQuality, Field: FieldQualityReport}
	case *pkg.QualityReport:
		return t, nil
	case pkg.QualityReport:
		return &t, nil
	default:
		data, err := sonic.Marshal(t)
		if err != nil {
			return nil, fmt.Errorf("unreadable quality report: %w", err)
		}
		var report pkg.QualityReport
		if err := sonic.Unmarshal(data, &report); err != nil {
			return nil, fmt.Errorf("unreadable quality report: %w", err)
		}
		return &report, nil
	}
}
