// Package cloudtest provides helpers for S3 integration tests against a
// local moto server.
//
// Tests using this package are tagged //go:build cloudintegration and
// skip themselves when moto is not reachable:
//
//	func TestS3Sink(t *testing.T) {
//	    cloudtest.SkipIfUnavailable(t)
//	    bucket := cloudtest.CreateBucket(t, ctx)
//	    // ... put fetch requests, then cloudtest.GetObject(t, ctx, bucket, key)
//	}
package cloudtest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const (
	// DefaultEndpoint is the default moto server endpoint.
	DefaultEndpoint = "http://localhost:5555"

	DefaultRegion = "us-east-1"

	// moto accepts any credentials.
	TestAccessKeyID     = "testing"
	TestSecretAccessKey = "testing"
)

var (
	// Endpoint can be overridden with MOTO_ENDPOINT.
	Endpoint = envOr("MOTO_ENDPOINT", DefaultEndpoint)

	// Region can be overridden with MOTO_REGION.
	Region = envOr("MOTO_REGION", DefaultRegion)

	client     *s3.Client
	clientOnce sync.Once
	clientErr  error
)

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// Available reports whether the moto server answers.
func Available() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, Endpoint+"/moto-api/", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// SkipIfUnavailable skips t when moto is not running.
func SkipIfUnavailable(t *testing.T) {
	t.Helper()
	if !Available() {
		t.Skipf("moto server not available at %s", Endpoint)
	}
}

// Client returns a shared path-style S3 client pointed at moto.
func Client() (*s3.Client, error) {
	clientOnce.Do(func() {
		cfg, err := config.LoadDefaultConfig(context.Background(),
			config.WithRegion(Region),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				TestAccessKeyID, TestSecretAccessKey, "")),
		)
		if err != nil {
			clientErr = fmt.Errorf("load config: %w", err)
			return
		}
		client = s3.NewFromConfig(cfg, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(Endpoint)
			o.UsePathStyle = true
		})
	})
	return client, clientErr
}

// ClientT returns the shared client, failing t on error.
func ClientT(t *testing.T) *s3.Client {
	t.Helper()
	c, err := Client()
	if err != nil {
		t.Fatalf("create S3 client: %v", err)
	}
	return c
}

// CreateBucket creates a uniquely named bucket and empties and removes it
// when t finishes.
func CreateBucket(t *testing.T, ctx context.Context) string {
	t.Helper()
	c := ClientT(t)

	name := strings.NewReplacer("/", "-", "_", "-").Replace(strings.ToLower(t.Name()))
	if len(name) > 50 {
		name = name[:50]
	}
	name = fmt.Sprintf("%s-%d", strings.Trim(name, "-"), time.Now().UnixNano()%100000)

	if _, err := c.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(name)}); err != nil {
		t.Fatalf("create bucket %s: %v", name, err)
	}
	t.Cleanup(func() { deleteBucket(t, name) })
	return name
}

func deleteBucket(t *testing.T, bucket string) {
	t.Helper()
	ctx := context.Background()
	c := ClientT(t)

	for _, key := range ListKeys(t, ctx, bucket, "") {
		if _, err := c.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)}); err != nil {
			t.Logf("warning: delete %s/%s: %v", bucket, key, err)
		}
	}
	if _, err := c.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(bucket)}); err != nil {
		t.Logf("warning: delete bucket %s: %v", bucket, err)
	}
}

// ListKeys returns every key under prefix, sorted.
func ListKeys(t *testing.T, ctx context.Context, bucket, prefix string) []string {
	t.Helper()
	c := ClientT(t)

	var keys []string
	p := s3.NewListObjectsV2Paginator(c, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			t.Fatalf("list %s/%s: %v", bucket, prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	sort.Strings(keys)
	return keys
}

// GetObject reads an object body and its content type.
func GetObject(t *testing.T, ctx context.Context, bucket, key string) ([]byte, string) {
	t.Helper()
	c := ClientT(t)

	out, err := c.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		t.Fatalf("get %s/%s: %v", bucket, key, err)
	}
	defer func() { _ = out.Body.Close() }()

	body, err := io.ReadAll(out.Body)
	if err != nil {
		t.Fatalf("read %s/%s: %v", bucket, key, err)
	}
	return body, aws.ToString(out.ContentType)
}
