// Package scheduler implements C7: the endpoint-load scheduler that picks
// the next buffered image request to attempt, balancing load across
// inference endpoints proportional to their instance count.
package scheduler

import (
	"context"
	"time"

	"github.com/mumuon/rasterrunner/internal/model"
)

// Capacity looks up an endpoint's current instance count (C13).
type Capacity interface {
	GetMaxRegions(ctx context.Context, now time.Time, endpointName string) int
}

// Outstanding supplies the candidate pool (C6).
type Outstanding interface {
	GetOutstandingRequests(now time.Time) []model.ImageRequestStatusRecord
}

// AttemptStarter claims an attempt against the durable progress tables
// (C5). ok=false means a conflicting claim won: the scheduler yields this
// cycle to the region queue instead.
type AttemptStarter interface {
	StartBufferedAttempt(ctx context.Context, jobID string, observedAttempts int, attemptTime time.Time) (bool, error)
}

// LoadFactorMetrics records each endpoint's current load factor, implemented
// by internal/metrics.Registry. Optional: nil is a no-op.
type LoadFactorMetrics interface {
	RecordLoadFactor(endpointName string, factor float64)
}

type EndpointLoadScheduler struct {
	outstanding Outstanding
	capacity    Capacity
	attempts    AttemptStarter
	metrics     LoadFactorMetrics
}

func New(outstanding Outstanding, capacity Capacity, attempts AttemptStarter) *EndpointLoadScheduler {
	return &EndpointLoadScheduler{outstanding: outstanding, capacity: capacity, attempts: attempts}
}

// SetMetrics wires an optional load-factor sink without disturbing New's
// signature.
func (s *EndpointLoadScheduler) SetMetrics(m LoadFactorMetrics) {
	s.metrics = m
}

// currentLoad is Σ over a group's running requests of
// max(1, region_count − |regions_complete|) when region_count is known, or
// 1 when an attempt has started without a recorded count yet. The max(1, ...)
// floor matches SPEC_FULL.md's explicit wording rather than the original
// source's unfloored version — see SPEC_FULL.md §9.
func currentLoad(group []model.ImageRequestStatusRecord) int {
	total := 0
	for _, r := range group {
		if !r.RegionCountSet {
			total++
			continue
		}
		remaining := r.RegionCount - len(r.RegionsComplete)
		if remaining < 1 {
			remaining = 1
		}
		total += remaining
	}
	return total
}

// Next picks the next image request to attempt, or nil if nothing is
// eligible or every candidate lost a conflicting claim this cycle.
func (s *EndpointLoadScheduler) Next(ctx context.Context, now time.Time) (*model.ImageRequestStatusRecord, error) {
	records := s.outstanding.GetOutstandingRequests(now)
	if len(records) == 0 {
		return nil, nil
	}

	byEndpoint := make(map[string][]model.ImageRequestStatusRecord)
	for _, r := range records {
		byEndpoint[r.EndpointID] = append(byEndpoint[r.EndpointID], r)
	}

	var best []model.ImageRequestStatusRecord
	bestLoadFactor := -1.0
	for endpointID, group := range byEndpoint {
		instanceCount := s.capacity.GetMaxRegions(ctx, now, endpointID)
		loadFactor := float64(currentLoad(group)) / float64(instanceCount)
		if s.metrics != nil {
			s.metrics.RecordLoadFactor(endpointID, loadFactor)
		}

		switch {
		case bestLoadFactor < 0 || loadFactor < bestLoadFactor:
			bestLoadFactor = loadFactor
			best = append(best[:0], group...)
		case loadFactor == bestLoadFactor:
			best = append(best, group...)
		}
	}

	if len(best) == 0 {
		return nil, nil
	}

	chosen := best[0]
	for _, r := range best[1:] {
		if r.RequestTime.Before(chosen.RequestTime) {
			chosen = r
		}
	}

	ok, err := s.attempts.StartBufferedAttempt(ctx, chosen.JobID, chosen.NumAttempts, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &chosen, nil
}
