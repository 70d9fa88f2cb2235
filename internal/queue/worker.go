package queue

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fraudlab/ringtrace/internal/engine"
	"github.com/fraudlab/ringtrace/internal/models"
	"github.com/fraudlab/ringtrace/internal/store"
)

// Worker pulls investigation jobs off the queue and drives their cases
// through the engine stage by stage, persisting a snapshot after every
// stage so a crash loses at most one stage of work.
type Worker struct {
	id     string
	queue  *Queue
	store  *store.Store
	engine *engine.Engine

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	running bool
	mu      sync.Mutex
}

type WorkerConfig struct {
	Queue  *Queue
	Store  *store.Store
	Engine *engine.Engine
}

func NewWorker(cfg WorkerConfig) *Worker {
	hostname, _ := os.Hostname()
	workerID := fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8])

	return &Worker{
		id:     workerID,
		queue:  cfg.Queue,
		store:  cfg.Store,
		engine: cfg.Engine,
	}
}

func (w *Worker) ID() string {
	return w.id
}

func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("worker already running")
	}
	w.running = true
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.mu.Unlock()

	log.Printf("[%s] Worker starting", w.id)

	w.wg.Add(1)
	go w.heartbeatLoop()

	w.wg.Add(1)
	go w.processLoop()

	w.wg.Add(1)
	go w.janitorLoop()

	return nil
}

func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	log.Printf("[%s] Worker stopping", w.id)
	w.cancel()
	w.wg.Wait()
	log.Printf("[%s] Worker stopped", w.id)
}

func (w *Worker) heartbeatLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.queue.WorkerHeartbeat(w.ctx, w.id)
		}
	}
}

func (w *Worker) processLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		default:
			job, err := w.queue.DequeueJob(w.ctx, w.id)
			if err != nil {
				log.Printf("[%s] Error dequeuing job: %v", w.id, err)
				time.Sleep(5 * time.Second)
				continue
			}

			if job == nil {
				time.Sleep(1 * time.Second)
				continue
			}

			log.Printf("[%s] Processing job %s (case: %s)", w.id, job.ID, job.CaseID)

			if err := w.processJob(job); err != nil {
				log.Printf("[%s] Job %s failed: %v", w.id, job.ID, err)
				w.queue.RequeueJob(w.ctx, job, err.Error())
			} else {
				log.Printf("[%s] Job %s completed", w.id, job.ID)
				w.queue.CompleteJob(w.ctx, job, true)
			}
		}
	}
}

func (w *Worker) processJob(job *Job) error {
	c, err := w.store.GetCase(w.ctx, job.CaseID)
	if err != nil {
		return fmt.Errorf("loading case: %w", err)
	}
	if c == nil {
		return fmt.Errorf("case not found: %s", job.CaseID)
	}
	if c.Status.Terminal() {
		return nil
	}

	_ = w.store.UpdateAlertStatus(w.ctx, c.AlertID, "investigating")
	_ = w.queue.UpdateProgress(w.ctx, &JobProgress{
		JobID:    job.ID,
		CaseID:   c.ID,
		Status:   models.StatusRunning,
		Stage:    c.Stage,
		WorkerID: w.id,
	})

	// Advance one stage at a time, snapshotting between stages. An engine
	// error has already marked the case failed; the snapshot preserves that
	// too, so the job is not retried for a case-level failure.
	for !c.Status.Terminal() {
		select {
		case <-w.ctx.Done():
			if saveErr := w.store.SaveCase(w.ctx, c); saveErr != nil {
				log.Printf("[%s] Error saving case %s during shutdown: %v", w.id, c.ID, saveErr)
			}
			return w.ctx.Err()
		default:
		}

		if !c.StopRequested {
			if stop, err := w.store.CaseStopRequested(w.ctx, c.ID); err == nil && stop {
				c.StopRequested = true
			}
		}

		advErr := w.engine.Advance(w.ctx, c)
		if saveErr := w.store.SaveCase(w.ctx, c); saveErr != nil {
			log.Printf("[%s] Error saving case %s: %v", w.id, c.ID, saveErr)
		}
		if advErr != nil {
			_ = w.store.UpdateAlertStatus(w.ctx, c.AlertID, "investigation_failed")
			return nil
		}

		_ = w.queue.UpdateProgress(w.ctx, &JobProgress{
			JobID:    job.ID,
			CaseID:   c.ID,
			Status:   c.Status,
			Stage:    c.Stage,
			WorkerID: w.id,
		})
	}

	_ = w.store.UpdateAlertStatus(w.ctx, c.AlertID, "investigated")
	return nil
}

func (w *Worker) janitorLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			cleaned, err := w.queue.CleanupStaleJobs(w.ctx, 30*time.Minute)
			if err != nil {
				log.Printf("[%s] Error cleaning stale jobs: %v", w.id, err)
			} else if cleaned > 0 {
				log.Printf("[%s] Cleaned up %d stale jobs", w.id, cleaned)
			}
		}
	}
}
