// Package queue implements C6: the buffered external request queue (backed
// by SQS, with an in-process lookahead cache standing in for the original's
// key-value lookahead table) and the in-process region-work queue that
// carries region requests from the image handler to the core loop.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mumuon/rasterrunner/internal/model"
)

// sqsClient is the subset of *sqs.Client this package calls.
type sqsClient interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// RequestDecoder parses and validates a raw SQS message body into an image
// request. Injected so the queue package doesn't need to know the wire
// format directly.
type RequestDecoder func(body string) (model.ImageRequest, error)

type lookaheadEntry struct {
	record  model.ImageRequestStatusRecord
	rawBody string
}

// BufferedRequestQueueConfig tunes refill/purge/eligibility behavior.
type BufferedRequestQueueConfig struct {
	QueueURL         string
	DeadLetterURL    string
	MaxJobsLookahead int
	MaxRetryAttempts int
	RetryTime        time.Duration
}

// BufferedRequestQueue maintains a process-local lookahead cache of image
// requests pulled from an external SQS queue, so the scheduler never blocks
// on SQS round trips while deciding what to dispatch next. SQS remains the
// durable source of truth; the cache only mirrors in-flight attempt state
// already visible to any single orchestrator process.
type BufferedRequestQueue struct {
	client  sqsClient
	decode  RequestDecoder
	cfg     BufferedRequestQueueConfig
	logger  *slog.Logger

	mu      sync.Mutex
	entries map[string]*lookaheadEntry

	bufferedGauge prometheus.Gauge
	visibleGauge  prometheus.Gauge
}

func NewBufferedRequestQueue(client *sqs.Client, decode RequestDecoder, cfg BufferedRequestQueueConfig, logger *slog.Logger) *BufferedRequestQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &BufferedRequestQueue{
		client:  client,
		decode:  decode,
		cfg:     cfg,
		logger:  logger,
		entries: make(map[string]*lookaheadEntry),
		bufferedGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rasterrunner_requests_buffered",
			Help: "Number of image requests currently held in the buffered-queue lookahead cache.",
		}),
		visibleGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rasterrunner_requests_visible",
			Help: "Number of buffered image requests currently eligible for another attempt.",
		}),
	}
}

// Collectors exposes the gauges for registration with a prometheus.Registry.
func (q *BufferedRequestQueue) Collectors() []prometheus.Collector {
	return []prometheus.Collector{q.bufferedGauge, q.visibleGauge}
}

// GetOutstandingRequests returns the lookahead entries eligible for another
// attempt: last_attempt + retry_time < now.
func (q *BufferedRequestQueue) GetOutstandingRequests(now time.Time) []model.ImageRequestStatusRecord {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []model.ImageRequestStatusRecord
	for _, e := range q.entries {
		if e.record.LastAttempt.Add(q.cfg.RetryTime).Before(now) {
			out = append(out, e.record)
		}
	}
	q.visibleGauge.Set(float64(len(out)))
	return out
}

// Refill pulls new messages from the external queue when the cache is below
// its lookahead target. Order within the loop is deliberate: a record is
// written to the cache before the source message is deleted, so a failed
// delete simply causes a harmless redelivery: a request whose job id is
// already cached is not written again, only deleted.
func (q *BufferedRequestQueue) Refill(ctx context.Context, now time.Time) error {
	q.mu.Lock()
	outstanding := len(q.entries)
	q.mu.Unlock()
	if outstanding >= q.cfg.MaxJobsLookahead {
		return nil
	}

	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.cfg.QueueURL),
		MaxNumberOfMessages: 10,
		WaitTimeSeconds:     0,
	})
	if err != nil {
		return fmt.Errorf("queue: receiving messages: %w", err)
	}

	for _, msg := range out.Messages {
		body := aws.ToString(msg.Body)
		req, decodeErr := q.decode(body)
		if decodeErr != nil {
			q.logger.Warn("dropping malformed image request", "error", decodeErr)
			if err := q.forwardToDLQ(ctx, body); err != nil {
				return err
			}
			if err := q.deleteMessage(ctx, msg); err != nil {
				return err
			}
			continue
		}

		q.mu.Lock()
		if _, exists := q.entries[req.JobID]; !exists {
			q.entries[req.JobID] = &lookaheadEntry{
				record: model.ImageRequestStatusRecord{
					JobID:       req.JobID,
					RequestTime: now,
					Request:     req,
				},
				rawBody: body,
			}
		}
		count := len(q.entries)
		q.mu.Unlock()
		q.bufferedGauge.Set(float64(count))

		if err := q.deleteMessage(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

func (q *BufferedRequestQueue) deleteMessage(ctx context.Context, msg types.Message) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.cfg.QueueURL),
		ReceiptHandle: msg.ReceiptHandle,
	})
	if err != nil {
		return fmt.Errorf("queue: deleting message: %w", err)
	}
	return nil
}

func (q *BufferedRequestQueue) forwardToDLQ(ctx context.Context, body string) error {
	if q.cfg.DeadLetterURL == "" {
		return nil
	}
	_, err := q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.cfg.DeadLetterURL),
		MessageBody: aws.String(body),
	})
	if err != nil {
		return fmt.Errorf("queue: forwarding to dead-letter queue: %w", err)
	}
	return nil
}

// MarkAttempt records an attempt against a cached job, mirroring the
// conditional claim C5 performs against the durable progress tables.
func (q *BufferedRequestQueue) MarkAttempt(jobID string, attemptTime time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e, ok := q.entries[jobID]; ok {
		e.record.LastAttempt = attemptTime
		e.record.NumAttempts++
	}
}

// MarkRegionComplete idempotently appends a region id to a job's completed
// set, and sets the known region count once learned.
func (q *BufferedRequestQueue) MarkRegionComplete(jobID, regionID string, regionCount int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[jobID]
	if !ok {
		return
	}
	if !e.record.RegionCountSet {
		e.record.RegionCount = regionCount
		e.record.RegionCountSet = true
	}
	for _, r := range e.record.RegionsComplete {
		if r == regionID {
			return
		}
	}
	e.record.RegionsComplete = append(e.record.RegionsComplete, regionID)
}

// Purge drops jobs that have exhausted their retry budget (forwarding the
// original body to the dead-letter queue first) or that have finished every
// region.
func (q *BufferedRequestQueue) Purge(ctx context.Context) error {
	q.mu.Lock()
	var exhausted []*lookaheadEntry
	for jobID, e := range q.entries {
		finished := e.record.RegionCountSet && len(e.record.RegionsComplete) == e.record.RegionCount
		if e.record.NumAttempts >= q.cfg.MaxRetryAttempts {
			exhausted = append(exhausted, e)
			delete(q.entries, jobID)
		} else if finished {
			delete(q.entries, jobID)
		}
	}
	count := len(q.entries)
	q.mu.Unlock()
	q.bufferedGauge.Set(float64(count))

	for _, e := range exhausted {
		if err := q.forwardToDLQ(ctx, e.rawBody); err != nil {
			return err
		}
	}
	return nil
}

func decodeImageRequestJSON(body string) (model.ImageRequest, error) {
	var req model.ImageRequest
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		return model.ImageRequest{}, fmt.Errorf("queue: decoding image request: %w", err)
	}
	if !req.SharedPropertiesValid() {
		return model.ImageRequest{}, &model.InvalidImageRequestError{Reason: "missing required shared properties"}
	}
	return req, nil
}

// DefaultRequestDecoder is the plain-JSON decoder used when no custom wire
// format is configured.
var DefaultRequestDecoder RequestDecoder = decodeImageRequestJSON
