// Package cloudtest runs marker-store tests against a local moto S3 server.
//
// Tests using it carry the cloudintegration build tag and skip when the
// server is not reachable:
//
//	b := cloudtest.NewBucket(t)
//	b.Seed(t, "ckpts/step_1.txt")
//	store, _ := checkpoint.New(b.Provider(t), checkpoint.Config{Prefix: "ckpts"})
package cloudtest

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	providers3 "github.com/3leaps/ckptrun/pkg/provider/s3"
)

// Moto accepts any key pair.
const (
	accessKeyID     = "testing"
	secretAccessKey = "testing"
)

var (
	// Endpoint is the moto server, overridable with MOTO_ENDPOINT.
	Endpoint = envOr("MOTO_ENDPOINT", "http://localhost:5555")

	// Region is overridable with MOTO_REGION.
	Region = envOr("MOTO_REGION", "us-east-1")

	clientOnce sync.Once
	client     *s3.Client
	clientErr  error

	bucketChars = regexp.MustCompile(`[^a-z0-9-]+`)
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func reachable() bool {
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
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func rawClient(t *testing.T) *s3.Client {
	t.Helper()
	clientOnce.Do(func() {
		cfg, err := config.LoadDefaultConfig(context.Background(),
			config.WithRegion(Region),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, "")))
		if err != nil {
			clientErr = err
			return
		}
		client = s3.NewFromConfig(cfg, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(Endpoint)
			o.UsePathStyle = true
		})
	})
	if clientErr != nil {
		t.Fatalf("moto client: %v", clientErr)
	}
	return client
}

// Bucket is a throwaway bucket that is emptied and removed when the test ends.
type Bucket struct {
	Name   string
	Client *s3.Client
}

// NewBucket skips t when moto is down, otherwise creates a fresh bucket.
func NewBucket(t *testing.T) *Bucket {
	t.Helper()
	if !reachable() {
		t.Skipf("moto server not available at %s", Endpoint)
	}

	name := bucketChars.ReplaceAllString(strings.ToLower(t.Name()), "-")
	if len(name) > 40 {
		name = name[:40]
	}
	name = strings.Trim(name, "-") + "-" + uuid.NewString()[:8]

	b := &Bucket{Name: name, Client: rawClient(t)}
	ctx := context.Background()
	if _, err := b.Client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(name)}); err != nil {
		t.Fatalf("create bucket %s: %v", name, err)
	}
	t.Cleanup(func() { b.remove(t) })
	return b
}

// Seed writes each key with a body naming the key. Seeded objects bypass the
// create-only marker path.
func (b *Bucket) Seed(t *testing.T, keys ...string) {
	t.Helper()
	for _, key := range keys {
		_, err := b.Client.PutObject(context.Background(), &s3.PutObjectInput{
			Bucket: aws.String(b.Name),
			Key:    aws.String(key),
			Body:   strings.NewReader("seeded " + key + "\n"),
		})
		if err != nil {
			t.Fatalf("seed %s/%s: %v", b.Name, key, err)
		}
	}
}

// DenyPut attaches a bucket policy refusing PutObject under prefix.
func (b *Bucket) DenyPut(t *testing.T, prefix string) {
	t.Helper()
	policy := fmt.Sprintf(`{"Version":"2012-10-17","Statement":[{"Sid":"DenyPut","Effect":"Deny","Principal":"*","Action":["s3:PutObject"],"Resource":["arn:aws:s3:::%s/%s*"]}]}`, b.Name, prefix)
	_, err := b.Client.PutBucketPolicy(context.Background(), &s3.PutBucketPolicyInput{
		Bucket: aws.String(b.Name),
		Policy: aws.String(policy),
	})
	if err != nil {
		t.Fatalf("put bucket policy on %s: %v", b.Name, err)
	}
}

// Provider returns a marker provider for the bucket.
func (b *Bucket) Provider(t *testing.T) *providers3.Provider {
	t.Helper()
	p, err := providers3.New(context.Background(), b.Config())
	if err != nil {
		t.Fatalf("s3 provider for %s: %v", b.Name, err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

// Config is the provider configuration pointing at the bucket.
func (b *Bucket) Config() providers3.Config {
	return providers3.Config{
		Bucket:          b.Name,
		Endpoint:        Endpoint,
		Region:          Region,
		AccessKeyID:     accessKeyID,
		SecretAccessKey: secretAccessKey,
		ForcePathStyle:  true,
	}
}

func (b *Bucket) remove(t *testing.T) {
	ctx := context.Background()
	pages := s3.NewListObjectsV2Paginator(b.Client, &s3.ListObjectsV2Input{Bucket: aws.String(b.Name)})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			t.Logf("list %s for cleanup: %v", b.Name, err)
			return
		}
		for _, obj := range page.Contents {
			_, _ = b.Client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(b.Name), Key: obj.Key})
		}
	}
	if _, err := b.Client.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(b.Name)}); err != nil {
		t.Logf("delete bucket %s: %v", b.Name, err)
	}
}
