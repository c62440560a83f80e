package services

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/jmoiron/sqlx"
	"golang.org/x/sync/errgroup"

	"confio/internal/db"
	"confio/internal/identity"
	"confio/internal/models"
)

const (
	taskPollInterval  = 5 * time.Second
	taskLease         = time.Minute
	taskBatchSize     = 20
	expiryBatchSize   = 100
	maxSettleAttempts = 8
)

// Worker runs the background side of the coordinator: the expiry sweeper and
// the durable task queue. All work items are idempotent, so a crashed worker
// simply reruns them after the lease expires.
type Worker struct {
	txRunner      db.TxRunner
	trades        TradeStore
	tasks         TaskStore
	tradeSvc      *TradeService
	escrow        *EscrowService
	ratings       *RatingService
	sweepInterval time.Duration
}

func NewWorker(txRunner db.TxRunner, trades TradeStore, tasks TaskStore, tradeSvc *TradeService, escrow *EscrowService, ratings *RatingService, sweepInterval time.Duration) *Worker {
	return &Worker{
		txRunner:      txRunner,
		trades:        trades,
		tasks:         tasks,
		tradeSvc:      tradeSvc,
		escrow:        escrow,
		ratings:       ratings,
		sweepInterval: sweepInterval,
	}
}

// Run blocks until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.sweepLoop(ctx) })
	g.Go(func() error { return w.taskLoop(ctx) })
	return g.Wait()
}

func (w *Worker) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(w.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.sweepExpired(ctx)
		}
	}
}

func (w *Worker) sweepExpired(ctx context.Context) {
	ids, err := w.trades.ListExpiring(ctx, time.Now(), expiryBatchSize)
	if err != nil {
		log.Printf("worker: expiry scan failed: %v", err)
		return
	}
	for _, tradeID := range ids {
		if err := w.tradeSvc.Expire(ctx, tradeID); err != nil {
			log.Printf("worker: expiring trade %s failed: %v", tradeID, err)
		}
	}
}

func (w *Worker) taskLoop(ctx context.Context) error {
	ticker := time.NewTicker(taskPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.drainTasks(ctx)
		}
	}
}

func (w *Worker) drainTasks(ctx context.Context) {
	claimed, err := w.tasks.ClaimDue(ctx, time.Now(), taskLease, taskBatchSize)
	if err != nil {
		log.Printf("worker: task claim failed: %v", err)
		return
	}
	for _, task := range claimed {
		w.handle(ctx, task)
	}
}

func (w *Worker) handle(ctx context.Context, task models.Task) {
	var err error
	switch task.Kind {
	case TaskSettleRelease:
		err = w.escrow.Settle(ctx, task.EntityID)
		// A lost settlement claim is contention, not failure; it never
		// counts toward giving up.
		if err != nil && !errors.Is(err, ErrSettlementInFlight) && task.Attempts >= maxSettleAttempts {
			log.Printf("worker: settlement for trade %s gave up after %d attempts: %v", task.EntityID, task.Attempts, err)
			if failErr := w.escrow.MarkSettlementFailed(ctx, task.EntityID); failErr != nil {
				log.Printf("worker: marking trade %s failed-settlement: %v", task.EntityID, failErr)
				return
			}
			w.finish(ctx, task.ID)
			return
		}
	case TaskRecomputeReputation:
		var p identity.Participant
		p, err = identity.Parse(task.EntityID)
		if err == nil {
			err = w.ratings.Recompute(ctx, p)
		}
	default:
		log.Printf("worker: dropping task %s with unknown kind %q", task.ID, task.Kind)
		w.finish(ctx, task.ID)
		return
	}

	if err != nil {
		log.Printf("worker: task %s (%s %s) attempt %d failed: %v", task.ID, task.Kind, task.EntityID, task.Attempts, err)
		w.reschedule(ctx, task)
		return
	}
	w.finish(ctx, task.ID)
}

func (w *Worker) finish(ctx context.Context, taskID string) {
	err := w.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		return w.tasks.MarkDone(ctx, tx, taskID)
	})
	if err != nil {
		log.Printf("worker: marking task %s done failed: %v", taskID, err)
	}
}

func (w *Worker) reschedule(ctx context.Context, task models.Task) {
	backoff := time.Duration(task.Attempts*task.Attempts) * 30 * time.Second
	if backoff > 30*time.Minute {
		backoff = 30 * time.Minute
	}
	err := w.txRunner.WithTx(ctx, func(tx *sqlx.Tx) error {
		return w.tasks.Reschedule(ctx, tx, task.ID, time.Now().Add(backoff))
	})
	if err != nil {
		log.Printf("worker: rescheduling task %s failed: %v", task.ID, err)
	}
}
