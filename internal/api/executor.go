package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/fraudlab/ringtrace/internal/engine"
	"github.com/fraudlab/ringtrace/internal/models"
	"github.com/fraudlab/ringtrace/internal/store"
)

// Executor drives investigation cases in-process, in the background. It
// mirrors the queue worker's advance-and-snapshot loop for deployments that
// run without dedicated workers, and for on-demand resumes via the API.
type Executor struct {
	store  *store.Store
	engine *engine.Engine
	logger *slog.Logger

	mu      sync.Mutex
	running map[uuid.UUID]context.CancelFunc
	stops   map[uuid.UUID]bool
}

func NewExecutor(st *store.Store, eng *engine.Engine, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		store:   st,
		engine:  eng,
		logger:  logger,
		running: make(map[uuid.UUID]context.CancelFunc),
		stops:   make(map[uuid.UUID]bool),
	}
}

// Launch runs the case to completion on a background goroutine. The run
// mutates a detached copy, so the caller's case stays a stable snapshot it
// can keep reading (and marshaling into a response) after Launch returns.
// The run is detached from the request context; only shutdown or a stop
// request ends it early.
func (e *Executor) Launch(c *models.Case) error {
	run, err := detachCase(c)
	if err != nil {
		return fmt.Errorf("detaching case %s: %w", c.ID, err)
	}

	e.mu.Lock()
	if _, ok := e.running[run.ID]; ok {
		e.mu.Unlock()
		return fmt.Errorf("case %s already running", run.ID)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	e.running[run.ID] = cancel
	delete(e.stops, run.ID)
	e.mu.Unlock()

	go func() {
		defer func() {
			e.mu.Lock()
			delete(e.running, run.ID)
			delete(e.stops, run.ID)
			e.mu.Unlock()
			cancel()
		}()
		e.run(runCtx, run)
	}()

	return nil
}

// detachCase deep-copies a case through its persisted JSON form. The engine
// owns the copy exclusively; the original is never touched again by this
// process's run loop.
func detachCase(c *models.Case) (*models.Case, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	var detached models.Case
	if err := json.Unmarshal(data, &detached); err != nil {
		return nil, err
	}
	return &detached, nil
}

// RequestStop asks a running case to wind down at its next expansion
// decision. Returns false if the case is not running in this process.
func (e *Executor) RequestStop(caseID uuid.UUID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.running[caseID]; !ok {
		return false
	}
	e.stops[caseID] = true
	return true
}

// Running reports whether the case is active in this process.
func (e *Executor) Running(caseID uuid.UUID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.running[caseID]
	return ok
}

// Shutdown cancels every active run. In-flight cases are snapshotted by
// their run loops and can be resumed later.
func (e *Executor) Shutdown() {
	e.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(e.running))
	for _, cancel := range e.running {
		cancels = append(cancels, cancel)
	}
	e.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

func (e *Executor) stopPending(caseID uuid.UUID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stops[caseID]
}

func (e *Executor) run(ctx context.Context, c *models.Case) {
	e.logger.Info("executor starting case", "case_id", c.ID, "stage", c.Stage)

	_ = e.store.UpdateAlertStatus(ctx, c.AlertID, "investigating")

	for !c.Status.Terminal() {
		select {
		case <-ctx.Done():
			if err := e.store.SaveCase(context.Background(), c); err != nil {
				e.logger.Error("saving case during shutdown", "case_id", c.ID, "error", err)
			}
			return
		default:
		}

		if e.stopPending(c.ID) {
			c.StopRequested = true
		}

		advErr := e.engine.Advance(ctx, c)
		if err := e.store.SaveCase(ctx, c); err != nil {
			e.logger.Error("saving case", "case_id", c.ID, "error", err)
		}
		if advErr != nil {
			_ = e.store.UpdateAlertStatus(ctx, c.AlertID, "investigation_failed")
			return
		}
	}

	_ = e.store.UpdateAlertStatus(ctx, c.AlertID, "investigated")
	e.logger.Info("executor finished case", "case_id", c.ID, "status", c.Status)
}
