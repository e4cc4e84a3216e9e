package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"cloud.google.com/go/storage"
	"k8s.io/klog/v2"
)

// GCSStore keeps snapshots as objects in a GCS bucket, optionally
// under a key prefix.
type GCSStore struct {
	Bucket string
	Prefix string
}

var _ SnapshotStore = (*GCSStore)(nil)

func (s *GCSStore) objectKey(name string) string {
	if s.Prefix == "" {
		return name
	}
	return s.Prefix + "/" + name
}

func (s *GCSStore) Save(ctx context.Context, name string, data []byte) error {
	log := klog.FromContext(ctx)

	objectKey := s.objectKey(name)
	gcsURL := "gs://" + s.Bucket + "/" + objectKey

	client, err := storage.NewClient(ctx)
	if err != nil {
		return fmt.Errorf("creating GCS storage client: %w", err)
	}
	defer client.Close()

	log.Info("uploading snapshot to GCS", "destination", gcsURL, "bytes", len(data))

	startedAt := time.Now()
	w := client.Bucket(s.Bucket).Object(objectKey).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("uploading to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("closing GCS writer: %w", err)
	}

	log.Info("uploaded snapshot to GCS", "url", gcsURL, "duration", time.Since(startedAt))

	return nil
}

func (s *GCSStore) Load(ctx context.Context, name string) ([]byte, error) {
	log := klog.FromContext(ctx)

	objectKey := s.objectKey(name)
	gcsURL := "gs://" + s.Bucket + "/" + objectKey

	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating GCS storage client: %w", err)
	}
	defer client.Close()

	startedAt := time.Now()
	r, err := client.Bucket(s.Bucket).Object(objectKey).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("snapshot %q not found at %q: %w", name, gcsURL, os.ErrNotExist)
		}
		return nil, fmt.Errorf("opening object from GCS %q: %w", gcsURL, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("downloading from GCS: %w", err)
	}

	log.Info("downloaded snapshot from GCS", "source", gcsURL, "bytes", len(data), "duration", time.Since(startedAt))

	return data, nil
}
