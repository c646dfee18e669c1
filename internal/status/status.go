// Package status implements C12: publishing image and region lifecycle
// transitions to SNS so external subscribers can react without polling the
// progress tables.
//
// Grounded on original_source/status/base_status_monitor.py,
// image_status_monitor.py, region_status_monitor.py, status_message.py, and
// sns_helper.py.
package status

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
)

// snsAPI is the subset of *sns.Client these monitors call.
type snsAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// publish sends message to topicARN with string message attributes,
// mirroring sns_helper.py's SNSHelper.publish_message. A blank topicARN
// disables publishing (matching the original's "SNS disabled" no-op path).
func publish(ctx context.Context, client snsAPI, topicARN, message string, attributes map[string]string) error {
	if topicARN == "" {
		return nil
	}
	attrs := make(map[string]types.MessageAttributeValue, len(attributes))
	for k, v := range attributes {
		if v == "" {
			continue
		}
		attrs[k] = types.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(v)}
	}
	_, err := client.Publish(ctx, &sns.PublishInput{
		TopicArn:          aws.String(topicARN),
		Message:           aws.String(message),
		MessageAttributes: attrs,
	})
	if err != nil {
		return fmt.Errorf("status: publishing to %s: %w", topicARN, err)
	}
	return nil
}
