package compress

import (
	"context"
	"path"

	"github.com/tarbsd/builder/pkg/hasher"
	"github.com/tarbsd/builder/pkg/storage"
)

// Mirror shares cache blobs between hosts.
type Mirror interface {
	// Fetch downloads key into dst. ok is false when the mirror lacks it.
	Fetch(ctx context.Context, key, dst string) (ok bool, err error)
	Push(ctx context.Context, key, src string) error
}

func mirrorKey(digest hasher.Digest, backend string) string {
	return digest.String() + "/" + backend + ".gz"
}

// NoMirror is the default: nothing is shared.
type NoMirror struct{}

func (NoMirror) Fetch(context.Context, string, string) (bool, error) { return false, nil }
func (NoMirror) Push(context.Context, string, string) error          { return nil }

// S3Mirror keeps blobs in an S3 bucket under prefix.
type S3Mirror struct {
	client *storage.Client
	prefix string
}

// NewS3Mirror creates a mirror on client.
func NewS3Mirror(client *storage.Client, prefix string) *S3Mirror {
	return &S3Mirror{client: client, prefix: prefix}
}

func (m *S3Mirror) key(k string) string {
	return path.Join(m.prefix, k)
}

func (m *S3Mirror) Fetch(ctx context.Context, key, dst string) (bool, error) {
	ok, err := m.client.Exists(ctx, m.key(key))
	if err != nil || !ok {
		return false, err
	}
	if _, err := m.client.Download(ctx, m.key(key), dst); err != nil {
		return false, err
	}
	return true, nil
}

func (m *S3Mirror) Push(ctx context.Context, key, src string) error {
	ok, err := m.client.Exists(ctx, m.key(key))
	if err != nil || ok {
		return err
	}
	return m.client.Upload(ctx, m.key(key), src)
}
