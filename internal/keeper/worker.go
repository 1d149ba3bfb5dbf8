// Package keeper consumes unwind requests from the durable request stream
// and executes them against the position service. Multiple replicas may run
// concurrently: a per-position distributed lock ensures one executes while
// the rest skip, and the engine re-derives risk from live state so stale or
// duplicate requests resolve to clean no-ops.
package keeper

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/kweston/loopvault/internal/domain"
	"github.com/kweston/loopvault/internal/engine"
)

const (
	// readBatchSize bounds one stream read; readBatch loops until the
	// backlog is caught up.
	readBatchSize = 64

	// maxRequestAge drops requests older than the monitor's re-enqueue
	// horizon; a position still risky has a fresher request behind it.
	maxRequestAge = 5 * time.Minute

	drainTimeout = 5 * time.Second
)

// PositionUnwinder executes the policy-recommended unwind for one position.
// Implemented by service.PositionService.
type PositionUnwinder interface {
	AutoUnwind(ctx context.Context, positionID string) (engine.UnwindResult, error)
}

// Alerter announces executed unwinds out of band. Satisfied by
// notify.Notifier.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Worker polls the unwind request stream and processes each request through
// dedup, staleness, and locking before executing.
type Worker struct {
	bus      domain.SignalBus
	unwinder PositionUnwinder
	locks    domain.LockManager
	dedup    *Dedup
	alerter  Alerter
	lockTTL  time.Duration
	pollDur  time.Duration
	cursor   string
	logger   *slog.Logger

	cleanupInterval time.Duration
}

// NewWorker creates a keeper worker. pollInterval is the stream poll
// cadence; dedupTTL is the per-position suppression window; lockTTL bounds
// how long a crashed replica can hold a position lock.
func NewWorker(
	bus domain.SignalBus,
	unwinder PositionUnwinder,
	locks domain.LockManager,
	pollInterval time.Duration,
	dedupTTL time.Duration,
	lockTTL time.Duration,
	logger *slog.Logger,
) *Worker {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	if dedupTTL <= 0 {
		dedupTTL = 5 * time.Minute
	}
	if lockTTL <= 0 {
		lockTTL = 30 * time.Second
	}
	return &Worker{
		bus:             bus,
		unwinder:        unwinder,
		locks:           locks,
		dedup:           NewDedup(dedupTTL),
		lockTTL:         lockTTL,
		pollDur:         pollInterval,
		cursor:          "0",
		logger:          logger.With(slog.String("component", "keeper")),
		cleanupInterval: 30 * time.Second,
	}
}

// Run polls the request stream until ctx is cancelled, then takes one final
// drain pass so buffered requests are not left behind. The cursor starts at
// the beginning of the retained stream: old entries collapse in dedup or
// reject as no longer risky, and a request enqueued while no keeper was
// running still gets handled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("keeper started")
	defer w.logger.Info("keeper stopped")

	poll := time.NewTicker(w.pollDur)
	defer poll.Stop()
	cleanup := time.NewTicker(w.cleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			w.drain()
			return ctx.Err()

		case <-poll.C:
			w.readBatch(ctx)

		case <-cleanup.C:
			w.dedup.Cleanup()
		}
	}
}

// readBatch reads and processes stream entries until the backlog is caught
// up or the read fails.
func (w *Worker) readBatch(ctx context.Context) {
	for {
		msgs, err := w.bus.StreamRead(ctx, domain.StreamUnwindRequests, w.cursor, readBatchSize)
		if err != nil {
			w.logger.ErrorContext(ctx, "read unwind requests failed",
				slog.String("error", err.Error()),
			)
			return
		}
		for _, msg := range msgs {
			w.cursor = msg.ID
			w.process(ctx, msg.Payload)
		}
		if len(msgs) < readBatchSize {
			return
		}
	}
}

// process runs one request through the validation pipeline and executes it.
func (w *Worker) process(ctx context.Context, payload []byte) {
	var req domain.UnwindRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		w.logger.Warn("dropping unparseable unwind request",
			slog.String("error", err.Error()),
		)
		return
	}

	log := w.logger.With(
		slog.String("request_id", req.ID),
		slog.String("position_id", req.PositionID),
		slog.String("level", string(req.Level)),
		slog.String("source", req.Source),
	)

	// 1. Staleness first, so an old backlog entry does not consume the
	// dedup admission meant for the fresh request behind it.
	if !req.CreatedAt.IsZero() && time.Since(req.CreatedAt) > maxRequestAge {
		log.Warn("request stale, skipping", slog.Time("created_at", req.CreatedAt))
		return
	}

	// 2. Dedup keys on the position, not the request: every sweep produces
	// a fresh request ID for the same risky position.
	if w.dedup.IsDuplicate(req.PositionID) {
		log.Debug("request deduplicated, skipping")
		return
	}

	// 3. One replica per position. Losing the race is not an error.
	unlock, err := w.locks.Acquire(ctx, "unwind:"+req.PositionID, w.lockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			log.Debug("position locked by another keeper, skipping")
			return
		}
		log.Error("acquire unwind lock failed", slog.String("error", err.Error()))
		return
	}
	defer unlock()

	// 4. Execute. The service re-derives risk from live venue state; the
	// request's view is advisory only.
	res, err := w.unwinder.AutoUnwind(ctx, req.PositionID)
	if err != nil {
		if errors.Is(err, domain.ErrPositionNotRisky) {
			log.Info("position no longer risky, skipping")
			return
		}
		if errors.Is(err, domain.ErrLockHeld) {
			log.Info("position mutation in flight, skipping")
			return
		}
		// No retry here: the monitor re-enqueues on its next sweep while
		// the position stays risky.
		log.Error("auto unwind failed", slog.String("error", err.Error()))
		return
	}

	log.Info("unwind executed",
		slog.Int("pct", res.Pct),
		slog.String("hf_before", engine.FormatWAD(res.HFBefore)),
		slog.String("hf_after", engine.FormatWAD(res.HFAfter)),
		slog.String("level_after", string(res.LevelAfter)),
	)

	if w.alerter != nil {
		msg := "position " + req.PositionID + " unwound " + strconv.Itoa(res.Pct) +
			"%, health factor " + engine.FormatWAD(res.HFBefore) + " to " + engine.FormatWAD(res.HFAfter)
		if err := w.alerter.Notify(ctx, "unwind_executed", "Auto unwind executed", msg); err != nil {
			log.Warn("unwind alert failed", slog.String("error", err.Error()))
		}
	}
}

// drain takes one final bounded read after cancellation so requests already
// buffered in the stream window are not silently deferred to the next boot.
func (w *Worker) drain() {
	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	w.readBatch(drainCtx)
}

// WithAlerter attaches a notifier for executed unwinds. Without one the
// worker only logs them.
func (w *Worker) WithAlerter(a Alerter) *Worker {
	w.alerter = a
	return w
}

// SetDedupTTL replaces the dedup window. Call before Run.
func (w *Worker) SetDedupTTL(ttl time.Duration) {
	w.dedup = NewDedup(ttl)
}

// SetCleanupInterval changes how often expired dedup entries are removed.
// Call before Run.
func (w *Worker) SetCleanupInterval(d time.Duration) {
	w.cleanupInterval = d
}
