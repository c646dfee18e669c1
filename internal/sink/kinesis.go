package sink

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/kinesis/types"

	"github.com/mumuon/rasterrunner/internal/model"
)

// Kinesis batch limits, per the put_records API and the original source's
// ServiceConfig.kinesis_max_record_{size,per}_batch defaults.
const (
	KinesisMaxRecordsPerBatch = 500
	KinesisMaxBatchBytes      = 5 * 1024 * 1024
)

// kinesisAPI is the subset of *kinesis.Client this sink calls.
type kinesisAPI interface {
	PutRecords(ctx context.Context, params *kinesis.PutRecordsInput, optFns ...func(*kinesis.Options)) (*kinesis.PutRecordsOutput, error)
	DescribeStream(ctx context.Context, params *kinesis.DescribeStreamInput, optFns ...func(*kinesis.Options)) (*kinesis.DescribeStreamOutput, error)
}

// KinesisSink writes one record per feature, each record a single-feature
// FeatureCollection keyed by the job id, flushing once the pending batch
// would cross the record-count or byte-size limit. Grounded on
// original_source/sink/kinesis_sink.py's write()/_flush_stream.
type KinesisSink struct {
	Client kinesisAPI
	Stream string
}

func NewKinesisSink(client kinesisAPI, descriptor model.SinkDescriptor) *KinesisSink {
	return &KinesisSink{Client: client, Stream: descriptor.Stream}
}

var _ Sink = (*KinesisSink)(nil)

func (s *KinesisSink) WriteFeatures(ctx context.Context, job model.ImageJob, features []*model.Feature) error {
	if err := s.validateStream(ctx); err != nil {
		return err
	}

	var pending []types.PutRecordsRequestEntry
	var pendingSize int

	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		if _, err := s.Client.PutRecords(ctx, &kinesis.PutRecordsInput{StreamName: aws.String(s.Stream), Records: pending}); err != nil {
			return fmt.Errorf("sink: writing records to kinesis stream %s: %w", s.Stream, err)
		}
		pending = nil
		pendingSize = 0
		return nil
	}

	for _, f := range features {
		data, err := encodeFeatureCollection([]*model.Feature{f})
		if err != nil {
			return err
		}
		recordSize := len(data) + len(job.JobID)

		if pendingSize+recordSize > KinesisMaxBatchBytes || len(pending) >= KinesisMaxRecordsPerBatch {
			if err := flush(); err != nil {
				return err
			}
		}

		pending = append(pending, types.PutRecordsRequestEntry{Data: data, PartitionKey: aws.String(job.JobID)})
		pendingSize += recordSize
	}
	return flush()
}

func (s *KinesisSink) validateStream(ctx context.Context) error {
	out, err := s.Client.DescribeStream(ctx, &kinesis.DescribeStreamInput{StreamName: aws.String(s.Stream)})
	if err != nil {
		return fmt.Errorf("sink: describing kinesis stream %s: %w", s.Stream, err)
	}
	status := out.StreamDescription.StreamStatus
	if status != types.StreamStatusActive && status != types.StreamStatusUpdating {
		return fmt.Errorf("sink: kinesis stream %s is %s, not ACTIVE or UPDATING", s.Stream, status)
	}
	return nil
}
