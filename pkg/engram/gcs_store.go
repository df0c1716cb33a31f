//go:build gcp

package engram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// GCSStore persists engrams in a Google Cloud Storage bucket using the same
// date-sharded layout as FileStore: {prefix}YYYY/MM/DD/{id}.json.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSStoreConfig holds configuration for GCSStore.
type GCSStoreConfig struct {
	Bucket string
	Prefix string // Optional key prefix
}

// NewGCSStore creates a GCS-backed engram store. Credentials come from ADC.
func NewGCSStore(ctx context.Context, cfg GCSStoreConfig) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSStore{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

func (s *GCSStore) objectPath(e *Engram) string {
	return s.prefix + dateKey(e) + "/" + e.ID + ".json"
}

// Save uploads a finalized engram to its date-sharded object path.
func (s *GCSStore) Save(ctx context.Context, e *Engram) error {
	if e.ContentHash == "" {
		return fmt.Errorf("save %s: %w", e.ID, ErrNotFinalized)
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("engram: encode %s: %w", e.ID, err)
	}
	w := s.client.Bucket(s.bucket).Object(s.objectPath(e)).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("gcs write failed for %s: %w", e.ID, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs close failed for %s: %w", e.ID, err)
	}
	return nil
}

// Get scans the date shards for {id}.json, downloads it and verifies its
// content hash.
func (s *GCSStore) Get(ctx context.Context, id string) (*Engram, error) {
	want := "/" + id + ".json"
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: s.prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return nil, fmt.Errorf("engram %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return nil, fmt.Errorf("gcs list failed: %w", err)
		}
		if !strings.HasSuffix(attrs.Name, want) {
			continue
		}
		e, err := s.fetch(ctx, attrs.Name)
		if err != nil {
			return nil, err
		}
		if !e.VerifyIntegrity() {
			return nil, fmt.Errorf("engram %s: %w", id, ErrIntegrity)
		}
		return e, nil
	}
}

// List downloads every object under the prefix and returns engrams matching
// the query, newest first. Objects that do not parse as engrams are skipped.
func (s *GCSStore) List(ctx context.Context, q Query) ([]*Engram, error) {
	out := []*Engram{}
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: s.prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("gcs list failed: %w", err)
		}
		if !strings.HasSuffix(attrs.Name, ".json") {
			continue
		}
		e, err := s.fetch(ctx, attrs.Name)
		if err != nil {
			continue
		}
		if e.ID != "" && q.matches(e) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out, nil
}

func (s *GCSStore) fetch(ctx context.Context, name string) (*Engram, error) {
	r, err := s.client.Bucket(s.bucket).Object(name).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs get failed for %s: %w", name, err)
	}
	defer func() { _ = r.Close() }()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("gcs read failed for %s: %w", name, err)
	}
	var e Engram
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("engram: parse %s: %w", name, err)
	}
	return &e, nil
}

// Close closes the GCS client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}
