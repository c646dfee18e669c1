package sink

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/mumuon/rasterrunner/internal/model"
)

// Factory builds the configured Sink list from a job's output descriptors
// and writes an image's features to all of them, succeeding overall if at
// least one wrote. Grounded on original_source/sink/sink_factory.py's
// SinkFactory.outputs_to_sinks / sink_features.
type Factory struct {
	S3       *s3.Client
	Kinesis  *kinesis.Client
	Logger   *slog.Logger
}

func NewFactory(s3Client *s3.Client, kinesisClient *kinesis.Client, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{S3: s3Client, Kinesis: kinesisClient, Logger: logger}
}

// OutputsToSinks builds one Sink per descriptor.
func (f *Factory) OutputsToSinks(outputs []model.SinkDescriptor) ([]Sink, error) {
	sinks := make([]Sink, 0, len(outputs))
	for _, out := range outputs {
		switch out.Type {
		case model.SinkTypeS3:
			sinks = append(sinks, NewS3Sink(f.S3, out))
		case model.SinkTypeKinesis:
			sinks = append(sinks, NewKinesisSink(f.Kinesis, out))
		default:
			return nil, fmt.Errorf("sink: unrecognized sink type %q", out.Type)
		}
	}
	return sinks, nil
}

// WriteFeatures implements the image handler's FeatureSink contract:
// write to every configured sink, reporting success if at least one did.
func (f *Factory) WriteFeatures(ctx context.Context, job model.ImageJob, features []*model.Feature) (bool, error) {
	sinks, err := f.OutputsToSinks(job.Outputs)
	if err != nil {
		return false, err
	}
	return writeToSinks(ctx, f.Logger, job, features, sinks)
}

// writeToSinks is WriteFeatures' aggregation loop, split out so it can be
// exercised against fake Sinks without a Factory's concrete AWS clients.
func writeToSinks(ctx context.Context, logger *slog.Logger, job model.ImageJob, features []*model.Feature, sinks []Sink) (bool, error) {
	if len(sinks) == 0 {
		return false, fmt.Errorf("sink: image %s has no configured outputs", job.ImageID)
	}

	wrote := false
	for i, s := range sinks {
		if err := s.WriteFeatures(ctx, job, features); err != nil {
			logger.Error("sink failed to write features", "image_id", job.ImageID, "sink_index", i, "error", err)
			continue
		}
		wrote = true
	}
	return wrote, nil
}
