package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mumuon/rasterrunner/internal/model"
)

type fakeRegionQueue struct {
	mu    sync.Mutex
	items []model.RegionRequest
}

func (q *fakeRegionQueue) Push(ctx context.Context, req model.RegionRequest) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, req)
	return nil
}

func (q *fakeRegionQueue) Pop(ctx context.Context) (model.RegionRequest, bool) {
	q.mu.Lock()
	if len(q.items) > 0 {
		req := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()
		return req, true
	}
	q.mu.Unlock()

	select {
	case <-ctx.Done():
		return model.RegionRequest{}, false
	case <-time.After(5 * time.Millisecond):
		return model.RegionRequest{}, false
	}
}

type fakeRegionProcessor struct {
	mu    sync.Mutex
	calls []model.RegionRequest
	err   error
}

func (p *fakeRegionProcessor) ProcessRegionRequest(ctx context.Context, req model.RegionRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, req)
	return p.err
}

type fakeScheduler struct {
	mu      sync.Mutex
	records []*model.ImageRequestStatusRecord
}

func (s *fakeScheduler) Next(ctx context.Context, now time.Time) (*model.ImageRequestStatusRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.records) == 0 {
		return nil, nil
	}
	r := s.records[0]
	s.records = s.records[1:]
	return r, nil
}

type fakeImageProcessor struct {
	mu    sync.Mutex
	calls []model.ImageRequest
	err   error
}

func (p *fakeImageProcessor) ProcessImageRequest(ctx context.Context, req model.ImageRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, req)
	return p.err
}

type fakeBufferedQueue struct {
	mu              sync.Mutex
	refillCalls     int
	purgeCalls      int
	attempts        []string
	regionCompletes []string
}

func (q *fakeBufferedQueue) Refill(ctx context.Context, now time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.refillCalls++
	return nil
}

func (q *fakeBufferedQueue) Purge(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.purgeCalls++
	return nil
}

func (q *fakeBufferedQueue) MarkAttempt(jobID string, attemptTime time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.attempts = append(q.attempts, jobID)
}

func (q *fakeBufferedQueue) MarkRegionComplete(jobID, regionID string, regionCount int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.regionCompletes = append(q.regionCompletes, jobID+":"+regionID)
}

type fakeProgressStore struct {
	mu          sync.Mutex
	job         model.ImageJob
	getErr      error
	finalized   []model.ImageStatus
}

func (s *fakeProgressStore) GetImageJob(ctx context.Context, imageID string) (model.ImageJob, error) {
	if s.getErr != nil {
		return model.ImageJob{}, s.getErr
	}
	return s.job, nil
}

func (s *fakeProgressStore) FinalizeImage(ctx context.Context, imageID string, status model.ImageStatus, endTime time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalized = append(s.finalized, status)
	return nil
}

func testConfig() Config {
	return Config{PollInterval: 5 * time.Millisecond, RegionThrottleRetryDelay: 5 * time.Millisecond, RefillInterval: time.Millisecond}
}

func TestRunner_ProcessesRegionThenStops(t *testing.T) {
	regionQueue := &fakeRegionQueue{items: []model.RegionRequest{{ImageID: "image-1", JobID: "job-1", RegionID: "region-1"}}}
	regionProcessor := &fakeRegionProcessor{}
	sched := &fakeScheduler{}
	imageProcessor := &fakeImageProcessor{}
	buffered := &fakeBufferedQueue{}
	progress := &fakeProgressStore{job: model.ImageJob{RegionCount: 2}}

	runner := New(regionQueue, regionProcessor, sched, imageProcessor, buffered, progress, testConfig(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	go func() {
		time.Sleep(20 * time.Millisecond)
		runner.Stop()
	}()

	err := runner.Run(ctx)
	require.True(t, err == nil || errors.Is(err, context.DeadlineExceeded))

	require.Len(t, regionProcessor.calls, 1)
	assert.Equal(t, "region-1", regionProcessor.calls[0].RegionID)
	require.Len(t, buffered.regionCompletes, 1)
	assert.Equal(t, "job-1:region-1", buffered.regionCompletes[0])
}

func TestRunner_RetryableRegionIsRequeued(t *testing.T) {
	regionQueue := &fakeRegionQueue{items: []model.RegionRequest{{ImageID: "image-1", JobID: "job-1", RegionID: "region-1"}}}
	regionProcessor := &fakeRegionProcessor{err: model.ErrRetryableJob}
	buffered := &fakeBufferedQueue{}
	progress := &fakeProgressStore{}

	runner := New(regionQueue, regionProcessor, &fakeScheduler{}, &fakeImageProcessor{}, buffered, progress, testConfig(), nil)
	runner.handleRegion(context.Background(), model.RegionRequest{ImageID: "image-1", JobID: "job-1", RegionID: "region-1"})

	regionQueue.mu.Lock()
	defer regionQueue.mu.Unlock()
	require.Len(t, regionQueue.items, 1)
	assert.Empty(t, buffered.regionCompletes)
}

func TestRunner_ThrottledRegionRequeuedAfterDelay(t *testing.T) {
	regionQueue := &fakeRegionQueue{}
	regionProcessor := &fakeRegionProcessor{err: model.ErrSelfThrottledRegion}
	buffered := &fakeBufferedQueue{}
	progress := &fakeProgressStore{}

	cfg := testConfig()
	cfg.RegionThrottleRetryDelay = 5 * time.Millisecond
	runner := New(regionQueue, regionProcessor, &fakeScheduler{}, &fakeImageProcessor{}, buffered, progress, cfg, nil)

	runner.handleRegion(context.Background(), model.RegionRequest{ImageID: "image-1", JobID: "job-1", RegionID: "region-1"})

	regionQueue.mu.Lock()
	immediatelyEmpty := len(regionQueue.items) == 0
	regionQueue.mu.Unlock()
	assert.True(t, immediatelyEmpty)

	require.Eventually(t, func() bool {
		regionQueue.mu.Lock()
		defer regionQueue.mu.Unlock()
		return len(regionQueue.items) == 1
	}, 200*time.Millisecond, 5*time.Millisecond)
}

func TestRunner_FailedImageRequestFinalizesJob(t *testing.T) {
	regionQueue := &fakeRegionQueue{}
	sched := &fakeScheduler{records: []*model.ImageRequestStatusRecord{
		{JobID: "job-1", Request: model.ImageRequest{JobID: "job-1", ImageID: "image-1"}},
	}}
	imageProcessor := &fakeImageProcessor{err: errors.New("boom")}
	buffered := &fakeBufferedQueue{}
	progress := &fakeProgressStore{}

	runner := New(regionQueue, &fakeRegionProcessor{}, sched, imageProcessor, buffered, progress, testConfig(), nil)
	runner.advanceScheduler(context.Background(), time.Now())

	require.Len(t, imageProcessor.calls, 1)
	require.Len(t, buffered.attempts, 1)
	require.Len(t, progress.finalized, 1)
	assert.Equal(t, model.ImageStatusFailed, progress.finalized[0])
}

func TestRunner_RetryableImageRequestDoesNotFinalize(t *testing.T) {
	regionQueue := &fakeRegionQueue{}
	sched := &fakeScheduler{records: []*model.ImageRequestStatusRecord{
		{JobID: "job-1", Request: model.ImageRequest{JobID: "job-1", ImageID: "image-1"}},
	}}
	imageProcessor := &fakeImageProcessor{err: model.ErrRetryableJob}
	buffered := &fakeBufferedQueue{}
	progress := &fakeProgressStore{}

	runner := New(regionQueue, &fakeRegionProcessor{}, sched, imageProcessor, buffered, progress, testConfig(), nil)
	runner.advanceScheduler(context.Background(), time.Now())

	assert.Empty(t, progress.finalized)
}
