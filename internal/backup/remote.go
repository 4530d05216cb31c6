package backup

import (
	"bytes"
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	fecfg "farmengine/internal/config"
)

// S3Archiver mirrors backup manifests to an S3-compatible bucket via the
// managed Uploader. Failure to upload never fails the backup job — it is the
// caller's (Worker's) responsibility to log and count it, per §4.12's retry
// policy applying only to the local write.
type S3Archiver struct {
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

// NewS3Archiver builds an archiver from the backup.remote config table. The
// table carries no access keys, so credentials always come from the default
// AWS credential chain (environment, shared config, instance role).
func NewS3Archiver(ctx context.Context, remote fecfg.BackupConfig) (*S3Archiver, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(remote.Remote.Region),
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("backup: load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	return &S3Archiver{
		uploader: manager.NewUploader(client),
		bucket:   remote.Remote.Bucket,
		prefix:   remote.Remote.Prefix,
	}, nil
}

// NewS3ArchiverWithStaticCredentials is used when an adapter resolves its
// own static access/secret key pair rather than relying on the ambient AWS
// credential chain.
func NewS3ArchiverWithStaticCredentials(ctx context.Context, remote fecfg.BackupConfig, accessKey, secretKey string) (*S3Archiver, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(remote.Remote.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("backup: load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	return &S3Archiver{
		uploader: manager.NewUploader(client),
		bucket:   remote.Remote.Bucket,
		prefix:   remote.Remote.Prefix,
	}, nil
}

// Archive uploads data under prefix/fileName.
func (a *S3Archiver) Archive(ctx context.Context, fileName string, data []byte) error {
	key := fileName
	if a.prefix != "" {
		key = a.prefix + "/" + fileName
	}
	_, err := a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: &a.bucket,
		Key:    &key,
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("backup: s3 upload %s: %w", key, err)
	}
	return nil
}
