// Package archive uploads flushed meeting artifacts to S3 compatible
// storage.
package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"rtms-relay/internal/media"
)

const (
	defaultTimeout = 30 * time.Second
	uploadTimeout  = 10 * time.Minute
	defaultRegion  = "us-east-1"
)

type Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Prefix          string
}

// Enabled reports whether a bucket is configured.
func (c Config) Enabled() bool {
	return c.Bucket != ""
}

type objectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// Uploader copies artifacts to {prefix}/{meeting}/{file}.
type Uploader struct {
	client objectAPI
	bucket string
	prefix string
	logger *zap.Logger
}

func NewUploader(conf Config, logger *zap.Logger) (*Uploader, error) {
	if conf.Bucket == "" {
		return nil, fmt.Errorf("archive bucket is required")
	}
	if conf.AccessKeyID == "" || conf.SecretAccessKey == "" {
		return nil, fmt.Errorf("missing required configuration: access key id and secret access key are required")
	}

	creds := aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(
		conf.AccessKeyID,
		conf.SecretAccessKey,
		"",
	))

	region := conf.Region
	if region == "" {
		region = defaultRegion
	}
	opts := s3.Options{
		Region:           region,
		Credentials:      creds,
		RetryMode:        aws.RetryModeAdaptive,
		RetryMaxAttempts: 3,
	}
	if conf.Endpoint != "" {
		opts.BaseEndpoint = aws.String(conf.Endpoint)
		opts.UsePathStyle = true
	}

	return &Uploader{
		client: s3.New(opts),
		bucket: conf.Bucket,
		prefix: strings.Trim(conf.Prefix, "/"),
		logger: logger,
	}, nil
}

// CheckBucket verifies the bucket is reachable with the configured
// credentials.
func (u *Uploader) CheckBucket(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	_, err := u.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(u.bucket)})
	if err != nil {
		return fmt.Errorf("unable to access bucket %s: %w", u.bucket, err)
	}
	return nil
}

// ObjectKey is the key a file of the meeting is stored under.
func (u *Uploader) ObjectKey(meetingUUID, file string) string {
	key := path.Join(media.SanitizeFileName(meetingUUID), filepath.Base(file))
	if u.prefix != "" {
		key = path.Join(u.prefix, key)
	}
	return key
}

// Archive uploads every file. Local files are kept either way.
func (u *Uploader) Archive(ctx context.Context, meetingUUID string, files []string) error {
	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	var errs []error
	for _, file := range files {
		if err := u.upload(ctx, meetingUUID, file); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (u *Uploader) upload(ctx context.Context, meetingUUID, file string) error {
	f, err := os.Open(file)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", file, err)
	}
	defer f.Close()

	key := u.ObjectKey(meetingUUID, file)
	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(contentType(file)),
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s to S3: %w", key, err)
	}
	u.logger.Info("Artifact archived", zap.String("bucket", u.bucket), zap.String("key", key))
	return nil
}

func contentType(file string) string {
	switch strings.ToLower(filepath.Ext(file)) {
	case ".wav":
		return "audio/wav"
	case ".mp4":
		return "video/mp4"
	case ".txt":
		return "text/plain; charset=utf-8"
	default:
		return "application/octet-stream"
	}
}
