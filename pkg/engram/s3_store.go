package engram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3API is the subset of the S3 client the store uses. Tests and callers
// with pre-configured clients (LocalStack, MinIO) can substitute their own.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Store persists engrams in an S3 bucket using the same date-sharded
// layout as FileStore: {prefix}YYYY/MM/DD/{id}.json.
type S3Store struct {
	client S3API
	bucket string
	prefix string
}

// S3StoreConfig holds configuration for S3Store.
type S3StoreConfig struct {
	Bucket   string
	Region   string
	Endpoint string // Optional custom endpoint (for MinIO, LocalStack, etc.)
	Prefix   string // Optional key prefix
}

// NewS3Store creates an S3-backed engram store.
func NewS3Store(ctx context.Context, cfg S3StoreConfig) (*S3Store, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	clientOpts := func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // Required for MinIO/LocalStack
		}
	}

	return NewS3StoreWithClient(s3.NewFromConfig(awsCfg, clientOpts), cfg.Bucket, cfg.Prefix), nil
}

// NewS3StoreWithClient wraps an existing S3 client.
func NewS3StoreWithClient(client S3API, bucket, prefix string) *S3Store {
	return &S3Store{client: client, bucket: bucket, prefix: prefix}
}

func (s *S3Store) key(e *Engram) string {
	return s.prefix + dateKey(e) + "/" + e.ID + ".json"
}

// Save uploads a finalized engram to its date-sharded key.
func (s *S3Store) Save(ctx context.Context, e *Engram) error {
	if e.ContentHash == "" {
		return fmt.Errorf("save %s: %w", e.ID, ErrNotFinalized)
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("engram: encode %s: %w", e.ID, err)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key(e)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("s3 put failed for %s: %w", e.ID, err)
	}
	return nil
}

// Get scans the date shards for {id}.json, downloads it and verifies its
// content hash.
func (s *S3Store) Get(ctx context.Context, id string) (*Engram, error) {
	key, err := s.findKey(ctx, id)
	if err != nil {
		return nil, err
	}
	if key == "" {
		return nil, fmt.Errorf("engram %s: %w", id, ErrNotFound)
	}
	e, err := s.fetch(ctx, key)
	if err != nil {
		return nil, err
	}
	if !e.VerifyIntegrity() {
		return nil, fmt.Errorf("engram %s: %w", id, ErrIntegrity)
	}
	return e, nil
}

// List downloads every object under the prefix and returns engrams matching
// the query, newest first. Objects that do not parse as engrams are skipped.
func (s *S3Store) List(ctx context.Context, q Query) ([]*Engram, error) {
	out := []*Engram{}
	err := s.eachKey(ctx, func(key string) (bool, error) {
		if !strings.HasSuffix(key, ".json") {
			return false, nil
		}
		e, err := s.fetch(ctx, key)
		if err != nil {
			return false, nil
		}
		if e.ID != "" && q.matches(e) {
			out = append(out, e)
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out, nil
}

func (s *S3Store) fetch(ctx context.Context, key string) (*Engram, error) {
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("s3 get failed for %s: %w", key, err)
	}
	defer func() { _ = result.Body.Close() }()
	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("s3 read failed for %s: %w", key, err)
	}
	var e Engram
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("engram: parse %s: %w", key, err)
	}
	return &e, nil
}

func (s *S3Store) findKey(ctx context.Context, id string) (string, error) {
	want := "/" + id + ".json"
	var found string
	err := s.eachKey(ctx, func(key string) (bool, error) {
		if strings.HasSuffix(key, want) {
			found = key
			return true, nil
		}
		return false, nil
	})
	return found, err
}

// eachKey pages through every object key under the prefix. The callback
// returns true to stop early.
func (s *S3Store) eachKey(ctx context.Context, fn func(key string) (bool, error)) error {
	var token *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(s.prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return fmt.Errorf("s3 list failed: %w", err)
		}
		for _, obj := range out.Contents {
			stop, err := fn(aws.ToString(obj.Key))
			if err != nil {
				return err
			}
			if stop {
				return nil
			}
		}
		if !aws.ToBool(out.IsTruncated) {
			return nil
		}
		token = out.NextContinuationToken
	}
}
