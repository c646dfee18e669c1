package inference

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/sagemakerruntime"

	"github.com/mumuon/rasterrunner/internal/model"
)

// sagemakerClient is the subset of *sagemakerruntime.Client this package
// calls, so tests can substitute a fake.
type sagemakerClient interface {
	InvokeEndpoint(ctx context.Context, params *sagemakerruntime.InvokeEndpointInput, optFns ...func(*sagemakerruntime.Options)) (*sagemakerruntime.InvokeEndpointOutput, error)
}

// HostedEndpointDetector invokes a named SageMaker-runtime-style hosted
// model. Transport errors and JSON decode failures are returned to the
// caller rather than swallowed, per SPEC_FULL.md §4.4.
type HostedEndpointDetector struct {
	Client       sagemakerClient
	EndpointName string
	ContentType  string
}

var _ Detector = (*HostedEndpointDetector)(nil)

func NewHostedEndpointDetector(client *sagemakerruntime.Client, endpointName string) *HostedEndpointDetector {
	return &HostedEndpointDetector{Client: client, EndpointName: endpointName, ContentType: "application/octet-stream"}
}

func (d *HostedEndpointDetector) FindFeatures(ctx context.Context, payload Payload) ([]*model.Feature, error) {
	out, err := d.Client.InvokeEndpoint(ctx, &sagemakerruntime.InvokeEndpointInput{
		EndpointName: &d.EndpointName,
		ContentType:  &d.ContentType,
		Body:         payload.TileBytes,
	})
	if err != nil {
		return nil, fmt.Errorf("inference: hosted endpoint %q invocation failed: %w", d.EndpointName, err)
	}
	features, err := featuresFromGeoJSON(out.Body)
	if err != nil {
		return nil, err
	}
	return features, nil
}
