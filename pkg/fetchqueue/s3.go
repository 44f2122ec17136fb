package fetchqueue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// DefaultAWSRegion is the fallback region for AWS S3 when not specified.
const DefaultAWSRegion = "us-east-1"

// S3Config configures an S3 sink.
//
// Credentials follow the AWS SDK v2 default chain unless AccessKeyID and
// SecretAccessKey are both set. For S3-compatible stores set Endpoint and
// usually ForcePathStyle.
type S3Config struct {
	// Bucket is the destination bucket (required).
	Bucket string

	// Prefix is prepended to every object key. Optional.
	Prefix string

	// Region is the AWS region. Defaults to us-east-1 for AWS when nothing
	// else resolves one.
	Region string

	// Endpoint is a custom endpoint URL for S3-compatible stores.
	Endpoint string

	// Profile is the shared config profile to use.
	Profile string

	AccessKeyID     string
	SecretAccessKey string

	// ForcePathStyle puts the bucket in the path rather than the host.
	ForcePathStyle bool
}

// Validate checks that required configuration is present.
func (c *S3Config) Validate() error {
	if c.Bucket == "" {
		return errors.New("s3 sink: bucket name is required")
	}
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return errors.New("s3 sink: access key id and secret access key must be provided together")
	}
	return nil
}

type s3PutAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Sink writes each request as a JSON object:
//
//	<prefix>/depot-<depot_id>/<request_id>.json
type S3Sink struct {
	client s3PutAPI
	bucket string
	prefix string
}

var _ Sink = (*S3Sink)(nil)

// NewS3Sink creates an S3 sink.
func NewS3Sink(ctx context.Context, cfg S3Config) (*S3Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, &SinkError{Op: "New", Sink: "s3", Key: cfg.Bucket, Err: err}
	}

	s3Opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}
		},
	}
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	return &S3Sink{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

func loadAWSConfig(ctx context.Context, cfg S3Config) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error

	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}
	awsCfg.Region = resolveRegion(cfg.Endpoint, awsCfg.Region)
	return awsCfg, nil
}

// resolveRegion only defaults for AWS proper; S3-compatible endpoints may
// not need a region at all.
func resolveRegion(endpoint, sdkRegion string) string {
	if sdkRegion != "" {
		return sdkRegion
	}
	if endpoint == "" {
		return DefaultAWSRegion
	}
	return ""
}

// ObjectKey returns the object key a request is written to.
func (s *S3Sink) ObjectKey(req *Request) string {
	name := path.Join("depot-"+strconv.FormatUint(uint64(req.DepotID), 10), req.RequestID+".json")
	if s.prefix == "" {
		return name
	}
	return s.prefix + "/" + name
}

// Put implements Sink.
func (s *S3Sink) Put(ctx context.Context, req *Request) error {
	if req == nil {
		return fmt.Errorf("fetch request is nil")
	}
	if strings.TrimSpace(req.RequestID) == "" {
		return fmt.Errorf("request_id is required")
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal fetch request: %w", err)
	}

	key := s.ObjectKey(req)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String("application/json"),
	})
	if err != nil {
		return s.wrapError("PutObject", key, err)
	}
	return nil
}

// wrapError converts S3 errors to sink errors with sentinel classification.
func (s *S3Sink) wrapError(op, key string, err error) error {
	wrapped := &SinkError{Op: op, Sink: "s3", Key: s.bucket + "/" + key, Err: err}

	var noSuchBucket *types.NoSuchBucket
	if errors.As(err, &noSuchBucket) {
		wrapped.Err = fmt.Errorf("%w: bucket %s", ErrNotFound, s.bucket)
		return wrapped
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchBucket", "NotFound":
			wrapped.Err = fmt.Errorf("%w: %s", ErrNotFound, apiErr.ErrorMessage())
		case "AccessDenied", "Forbidden", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			wrapped.Err = fmt.Errorf("%w: %s", ErrAccessDenied, apiErr.ErrorMessage())
		case "SlowDown", "Throttling", "ServiceUnavailable", "InternalError":
			wrapped.Err = fmt.Errorf("%w: %s", ErrUnavailable, apiErr.ErrorMessage())
		}
	}
	return wrapped
}
