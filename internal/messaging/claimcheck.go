package messaging

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"queryfleet/internal/config"
	"queryfleet/internal/domain"
)

var (
	_ domain.ClaimCheck = (*MemoryClaimCheck)(nil)
	_ domain.ClaimCheck = (*S3ClaimCheck)(nil)
)

// MemoryClaimCheck keeps claim-checked payloads in process memory.
type MemoryClaimCheck struct {
	mu       sync.RWMutex
	payloads map[string][]byte
}

// NewMemoryClaimCheck creates an empty MemoryClaimCheck.
func NewMemoryClaimCheck() *MemoryClaimCheck {
	return &MemoryClaimCheck{payloads: make(map[string][]byte)}
}

// Store implements domain.ClaimCheck.
func (m *MemoryClaimCheck) Store(_ context.Context, id string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payloads[id] = append([]byte(nil), payload...)
	return nil
}

// Fetch implements domain.ClaimCheck.
func (m *MemoryClaimCheck) Fetch(_ context.Context, id string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.payloads[id]
	if !ok {
		return nil, domain.ErrNotFound("claim check %q not found", id)
	}
	return p, nil
}

// s3API is the subset of the S3 client used by S3ClaimCheck.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3ClaimCheck stores claim-checked payloads as objects under a key prefix
// of an S3-compatible bucket.
type S3ClaimCheck struct {
	client s3API
	bucket string
	prefix string
}

// NewS3ClaimCheck creates an S3ClaimCheck from the claim-check settings.
func NewS3ClaimCheck(cfg config.S3Config) (*S3ClaimCheck, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("claim-check S3 config is incomplete")
	}
	client := s3.New(s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.KeyID, cfg.Secret, ""),
		BaseEndpoint: aws.String(fmt.Sprintf("https://%s", cfg.Endpoint)),
		UsePathStyle: true,
	})
	return newS3ClaimCheck(client, cfg.Bucket), nil
}

func newS3ClaimCheck(client s3API, bucket string) *S3ClaimCheck {
	return &S3ClaimCheck{client: client, bucket: bucket, prefix: "claim-check/"}
}

// Store implements domain.ClaimCheck.
func (c *S3ClaimCheck) Store(ctx context.Context, id string, payload []byte) error {
	_, err := c.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(c.prefix + id),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("put claim check %s: %w", id, err)
	}
	return nil
}

// Fetch implements domain.ClaimCheck.
func (c *S3ClaimCheck) Fetch(ctx context.Context, id string) ([]byte, error) {
	out, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.prefix + id),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, domain.ErrNotFound("claim check %q not found", id)
		}
		return nil, fmt.Errorf("get claim check %s: %w", id, err)
	}
	defer out.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read claim check %s: %w", id, err)
	}
	return data, nil
}
