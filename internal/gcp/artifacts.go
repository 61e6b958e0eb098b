package gcp

import (
	"context"

	"cloud.google.com/go/storage"
)

// ArtifactStore writes processor artifacts into one bucket.
type ArtifactStore struct {
	bucket *storage.BucketHandle
}

func NewArtifactStore(client *storage.Client, bucket string) *ArtifactStore {
	return &ArtifactStore{bucket: client.Bucket(bucket)}
}

// WriteText stores content at objectName unless it already exists and
// returns its gs:// URI.
func (s *ArtifactStore) WriteText(ctx context.Context, objectName, content string) (string, error) {
	return SaveToGCSAtomically(ctx, s.bucket, objectName, content)
}
