package queue

import (
	"context"

	"github.com/mumuon/rasterrunner/internal/model"
)

// RegionQueue is the internal region-work queue that carries region requests
// from C8's image handler to C10's core loop, which runs each one through
// C9's region handler: an in-process buffered channel,
// grounded on the teacher's s3.go upload worker pool (workChan / wg /
// sentinel close), rather than a second SQS queue — region dispatch never
// needs to survive a process restart, only to decouple producers from
// workers within one orchestrator run.
type RegionQueue struct {
	ch chan model.RegionRequest
}

func NewRegionQueue(buffer int) *RegionQueue {
	return &RegionQueue{ch: make(chan model.RegionRequest, buffer)}
}

// Push enqueues a region request, respecting context cancellation the same
// way the teacher's upload dispatch goroutine does against ctx.Done().
func (q *RegionQueue) Push(ctx context.Context, req model.RegionRequest) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.ch <- req:
		return nil
	}
}

// Pop blocks for the next region request, or returns ok=false once the
// queue is closed and drained.
func (q *RegionQueue) Pop(ctx context.Context) (model.RegionRequest, bool) {
	select {
	case <-ctx.Done():
		return model.RegionRequest{}, false
	case req, ok := <-q.ch:
		return req, ok
	}
}

// Close signals no further region requests will be pushed; workers ranging
// over Pop drain what remains and exit.
func (q *RegionQueue) Close() {
	close(q.ch)
}

// Len reports the number of region requests currently buffered, for metrics.
func (q *RegionQueue) Len() int {
	return len(q.ch)
}
