// Package artifacts resolves recording and transcript references to the
// objects backing them. The evidence assembler uses it to confirm that a
// reference actually points at stored media before sealing a manifest.
package artifacts

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Resolver checks whether an artifact reference exists.
type Resolver interface {
	Exists(ctx context.Context, ref string) (bool, error)
}

// S3Resolver resolves references of the form "s3://bucket/key" (or bare keys
// against the default bucket) with a HeadObject call.
type S3Resolver struct {
	client *s3.Client
	bucket string
}

// S3Config holds configuration for the S3 resolver.
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string // Optional custom endpoint (for MinIO, LocalStack, etc.)
}

// NewS3Resolver creates an S3-backed artifact resolver.
func NewS3Resolver(ctx context.Context, cfg S3Config) (*S3Resolver, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	clientOpts := func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // Required for MinIO/LocalStack
		}
	}

	return &S3Resolver{
		client: s3.NewFromConfig(awsCfg, clientOpts),
		bucket: cfg.Bucket,
	}, nil
}

// Exists checks the referenced object with a HeadObject call. A missing
// object is not an error; the assembler treats it as an unresolved reference
// and retries.
func (r *S3Resolver) Exists(ctx context.Context, ref string) (bool, error) {
	bucket, key := r.bucket, ref
	if strings.HasPrefix(ref, "s3://") {
		rest := strings.TrimPrefix(ref, "s3://")
		parts := strings.SplitN(rest, "/", 2)
		if len(parts) != 2 || parts[1] == "" {
			return false, fmt.Errorf("malformed artifact reference %q", ref)
		}
		bucket, key = parts[0], parts[1]
	}

	_, err := r.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if strings.Contains(err.Error(), "NotFound") || strings.Contains(err.Error(), "404") {
			return false, nil
		}
		return false, fmt.Errorf("s3 head failed for %s: %w", ref, err)
	}
	return true, nil
}

// MemoryResolver is an in-memory resolver for tests and single-node
// deployments without object storage.
type MemoryResolver struct {
	mu   sync.RWMutex
	refs map[string]bool
}

// NewMemoryResolver creates an empty in-memory resolver.
func NewMemoryResolver() *MemoryResolver {
	return &MemoryResolver{refs: make(map[string]bool)}
}

// Put registers a reference as existing.
func (r *MemoryResolver) Put(ref string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refs[ref] = true
}

func (r *MemoryResolver) Exists(_ context.Context, ref string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.refs[ref], nil
}
