// Package awsutil holds the small AWS collaborators shared across sinks and
// raster I/O that don't belong to any one component: per-request assumed-role
// credentials, mirroring original_source/common/credentials_utils.py's
// get_credentials_for_assumed_role.
package awsutil

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/mumuon/rasterrunner/internal/model"
)

// SessionName matches the original source's fixed role-session name.
const SessionName = "RasterRunner"

// AssumeRoleCredentials resolves a CredentialsProvider scoped to one IAM
// role ARN via STS AssumeRole. Returns nil (meaning: use the process's
// ambient credentials) when roleARN is empty, matching the original
// source's "no assumed role configured" branch.
func AssumeRoleCredentials(client *sts.Client, roleARN string) aws.CredentialsProvider {
	if roleARN == "" {
		return nil
	}
	return aws.NewCredentialsCache(stscreds.NewAssumeRoleProvider(client, roleARN, func(o *stscreds.AssumeRoleOptions) {
		o.RoleSessionName = SessionName
	}))
}

// VerifyAssumedRole eagerly resolves credentials once so a misconfigured
// role ARN surfaces as model.InvalidAssumedRoleError at admission time
// rather than on the first S3/Kinesis call.
func VerifyAssumedRole(ctx context.Context, client *sts.Client, roleARN string) error {
	if roleARN == "" {
		return nil
	}
	provider := AssumeRoleCredentials(client, roleARN)
	if _, err := provider.Retrieve(ctx); err != nil {
		return &model.InvalidAssumedRoleError{RoleARN: roleARN, Cause: err}
	}
	return nil
}
