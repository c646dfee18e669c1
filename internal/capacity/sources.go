package capacity

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sagemaker"
)

// sagemakerDescriber is the subset of *sagemaker.Client this package calls.
type sagemakerDescriber interface {
	DescribeEndpoint(ctx context.Context, params *sagemaker.DescribeEndpointInput, optFns ...func(*sagemaker.Options)) (*sagemaker.DescribeEndpointOutput, error)
}

// SageMakerSource reads the current instance count from the endpoint's
// production variants, for hosted-endpoint-style models.
type SageMakerSource struct {
	Client sagemakerDescriber
}

func (s SageMakerSource) InstanceCount(ctx context.Context, endpointName string) (int, error) {
	out, err := s.Client.DescribeEndpoint(ctx, &sagemaker.DescribeEndpointInput{EndpointName: aws.String(endpointName)})
	if err != nil {
		return 0, fmt.Errorf("capacity: describing endpoint %q: %w", endpointName, err)
	}

	total := 0
	for _, variant := range out.ProductionVariants {
		if variant.CurrentInstanceCount != nil {
			total += int(*variant.CurrentInstanceCount)
		}
	}
	if total == 0 {
		return 1, nil
	}
	return total, nil
}

// StaticSource returns a fixed instance count for endpoints reached over
// plain HTTP, which have no SageMaker-style describe call to consult.
type StaticSource struct {
	Counts map[string]int
	Default int
}

func (s StaticSource) InstanceCount(ctx context.Context, endpointName string) (int, error) {
	if n, ok := s.Counts[endpointName]; ok {
		return n, nil
	}
	if s.Default > 0 {
		return s.Default, nil
	}
	return 1, nil
}

// TieredSource tries a hosted-runtime describe call first (for SageMaker-style
// endpoints) and falls back to the static table whenever the describe call
// fails — which is the expected, not exceptional, outcome for an endpoint
// that was never a SageMaker endpoint to begin with (HTTP-invoked models).
type TieredSource struct {
	Hosted SageMakerSource
	Static StaticSource
}

func (s TieredSource) InstanceCount(ctx context.Context, endpointName string) (int, error) {
	if count, err := s.Hosted.InstanceCount(ctx, endpointName); err == nil {
		return count, nil
	}
	return s.Static.InstanceCount(ctx, endpointName)
}
