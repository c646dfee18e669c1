// Package core implements C10: the single worker loop that alternates
// between draining the in-process region-work queue and advancing the
// endpoint-load scheduler, with a graceful shutdown flag checked between
// iterations.
//
// Grounded on the teacher's main.go signal-handling idiom (ctx cancellation
// plus a SIGINT/SIGTERM channel) and original_source/app.py's
// ModelRunner.run main loop (region queue preferred over the image
// scheduler, retryable/throttling signals distinguished from terminal
// failures).
package core

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mumuon/rasterrunner/internal/model"
)

// RegionProcessor runs C9 against one region request.
type RegionProcessor interface {
	ProcessRegionRequest(ctx context.Context, req model.RegionRequest) error
}

// ImageProcessor runs C8 against one image request.
type ImageProcessor interface {
	ProcessImageRequest(ctx context.Context, req model.ImageRequest) error
}

// RegionQueue is the in-process region-work queue (C6's internal half).
type RegionQueue interface {
	Push(ctx context.Context, req model.RegionRequest) error
	Pop(ctx context.Context) (model.RegionRequest, bool)
}

// ImageScheduler picks the next eligible buffered image request (C7).
type ImageScheduler interface {
	Next(ctx context.Context, now time.Time) (*model.ImageRequestStatusRecord, error)
}

// BufferedQueue is the subset of C6's external buffered queue the loop
// drives directly: periodic refill/purge and bookkeeping after each
// attempt or region completion.
type BufferedQueue interface {
	Refill(ctx context.Context, now time.Time) error
	Purge(ctx context.Context) error
	MarkAttempt(jobID string, attemptTime time.Time)
	MarkRegionComplete(jobID, regionID string, regionCount int)
}

// ProgressStore is the subset of C5 the loop needs directly: looking up an
// image's region count to report region completion, and finalizing an
// image job that failed outside the region/tile retry path.
type ProgressStore interface {
	GetImageJob(ctx context.Context, imageID string) (model.ImageJob, error)
	FinalizeImage(ctx context.Context, imageID string, status model.ImageStatus, endTime time.Time) error
}

// Config tunes the loop's polling cadence and retry delays.
type Config struct {
	// PollInterval bounds how long Pop blocks per cycle before the loop
	// falls through to check the image scheduler, matching the ≤10s
	// long-poll the original source performs against its region queue.
	PollInterval time.Duration
	// RegionThrottleRetryDelay is how long a self-throttled region waits
	// before being returned to the region queue.
	RegionThrottleRetryDelay time.Duration
	// RefillInterval bounds how often the buffered queue is refilled from
	// its external source and purged of exhausted/finished entries.
	RefillInterval time.Duration
}

// DefaultConfig is a reasonable single-worker cadence.
func DefaultConfig() Config {
	return Config{PollInterval: 10 * time.Second, RegionThrottleRetryDelay: 30 * time.Second, RefillInterval: 10 * time.Second}
}

// Runner is the C10 core loop.
type Runner struct {
	regionQueue     RegionQueue
	regionProcessor RegionProcessor
	scheduler       ImageScheduler
	imageProcessor  ImageProcessor
	buffered        BufferedQueue
	progress        ProgressStore
	logger          *slog.Logger
	cfg             Config

	stopped atomic.Bool
}

func New(
	regionQueue RegionQueue,
	regionProcessor RegionProcessor,
	scheduler ImageScheduler,
	imageProcessor ImageProcessor,
	buffered BufferedQueue,
	progress ProgressStore,
	cfg Config,
	logger *slog.Logger,
) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		regionQueue: regionQueue, regionProcessor: regionProcessor,
		scheduler: scheduler, imageProcessor: imageProcessor,
		buffered: buffered, progress: progress, cfg: cfg, logger: logger,
	}
}

// Stop sets the shutdown flag; Run exits at the next iteration boundary.
func (r *Runner) Stop() {
	r.stopped.Store(true)
}

// Run alternates region-queue draining and image-scheduler advancement
// until ctx is cancelled or Stop is called.
func (r *Runner) Run(ctx context.Context) error {
	var lastRefill time.Time
	for {
		if r.stopped.Load() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		popCtx, cancel := context.WithTimeout(ctx, r.cfg.PollInterval)
		req, ok := r.regionQueue.Pop(popCtx)
		cancel()
		if ok {
			r.handleRegion(ctx, req)
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		now := time.Now()
		if lastRefill.IsZero() || now.Sub(lastRefill) >= r.cfg.RefillInterval {
			if err := r.buffered.Refill(ctx, now); err != nil {
				r.logger.Error("buffered queue refill failed", "error", err)
			}
			if err := r.buffered.Purge(ctx); err != nil {
				r.logger.Error("buffered queue purge failed", "error", err)
			}
			lastRefill = now
		}

		r.advanceScheduler(ctx, now)
	}
}

func (r *Runner) handleRegion(ctx context.Context, req model.RegionRequest) {
	logger := r.logger.With("job_id", req.JobID, "image_id", req.ImageID, "region_id", req.RegionID)

	err := r.regionProcessor.ProcessRegionRequest(ctx, req)
	switch {
	case err == nil:
		r.markRegionComplete(ctx, req)
	case errors.Is(err, model.ErrRetryableJob):
		logger.Warn("region retryable, returning to queue", "error", err)
		if perr := r.regionQueue.Push(ctx, req); perr != nil {
			logger.Error("failed to requeue retryable region", "error", perr)
		}
	case errors.Is(err, model.ErrSelfThrottledRegion):
		logger.Debug("region self-throttled, retrying after delay")
		r.requeueAfter(ctx, req, r.cfg.RegionThrottleRetryDelay)
	default:
		logger.Error("region failed", "error", err)
		r.markRegionComplete(ctx, req)
	}
}

// requeueAfter waits out a throttling delay off the loop goroutine so the
// core loop itself isn't blocked, matching the non-blocking visibility-delay
// requeue the original source relies on SQS for.
func (r *Runner) requeueAfter(ctx context.Context, req model.RegionRequest, delay time.Duration) {
	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if err := r.regionQueue.Push(ctx, req); err != nil {
			r.logger.Error("failed to requeue throttled region", "image_id", req.ImageID, "region_id", req.RegionID, "error", err)
		}
	}()
}

func (r *Runner) markRegionComplete(ctx context.Context, req model.RegionRequest) {
	job, err := r.progress.GetImageJob(ctx, req.ImageID)
	if err != nil {
		r.logger.Error("failed to look up image job for region completion bookkeeping", "image_id", req.ImageID, "error", err)
		return
	}
	r.buffered.MarkRegionComplete(req.JobID, req.RegionID, job.RegionCount)
}

func (r *Runner) advanceScheduler(ctx context.Context, now time.Time) {
	record, err := r.scheduler.Next(ctx, now)
	if err != nil {
		r.logger.Error("scheduler: selecting next image request failed", "error", err)
		return
	}
	if record == nil {
		return
	}

	r.buffered.MarkAttempt(record.JobID, now)
	logger := r.logger.With("job_id", record.JobID, "image_id", record.Request.ImageID)

	if err := r.imageProcessor.ProcessImageRequest(ctx, record.Request); err != nil {
		if errors.Is(err, model.ErrRetryableJob) {
			logger.Warn("image request retryable, will reattempt", "error", err)
			return
		}
		logger.Error("image request failed", "error", err)
		if ferr := r.progress.FinalizeImage(ctx, record.Request.ImageID, model.ImageStatusFailed, time.Now()); ferr != nil {
			logger.Error("failed to finalize failed image job", "error", ferr)
		}
		return
	}
	logger.Info("image request dispatched")
}
