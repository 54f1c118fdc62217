package storage

import (
	"context"
	"io"
	"time"
)

type Object struct {
	Name string
	Size int64
}

// Provider stores and fetches payload-independent blobs (resource files,
// export documents). It never inspects payload structure.
type Provider interface {
	CreateBucket(ctx context.Context, bucket string) error

	GetObject(ctx context.Context, bucket, key string) ([]byte, error)

	PutObject(ctx context.Context, bucket, key string, data io.Reader) error

	ListObjects(ctx context.Context, bucket, prefix string) ([]Object, error)

	PresignGetURL(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
}
