package icestore

import (
	"context"
	"io"

	"cloud.google.com/go/storage"
)

// GCSClient abstracts the top-level GCS client so the backup writer can be
// tested without a real bucket.
type GCSClient interface {
	Bucket(name string) GCSBucketHandle
}

// GCSBucketHandle abstracts a GCS bucket.
type GCSBucketHandle interface {
	Object(name string) GCSObjectHandle
}

// GCSObjectHandle abstracts a GCS object.
type GCSObjectHandle interface {
	NewWriter(ctx context.Context, meta ObjectMeta) GCSWriter
}

// GCSWriter abstracts a GCS object writer.
type GCSWriter interface {
	io.WriteCloser
}

// ObjectMeta is applied to an object before its first byte is written.
type ObjectMeta struct {
	ContentType string
	Metadata    map[string]string
}

type gcsClientAdapter struct {
	client *storage.Client
}

// NewGCSClientAdapter makes a *storage.Client conform to GCSClient.
func NewGCSClientAdapter(client *storage.Client) GCSClient {
	if client == nil {
		return nil
	}
	return &gcsClientAdapter{client: client}
}

func (a *gcsClientAdapter) Bucket(name string) GCSBucketHandle {
	return &gcsBucketHandleAdapter{handle: a.client.Bucket(name)}
}

type gcsBucketHandleAdapter struct {
	handle *storage.BucketHandle
}

func (a *gcsBucketHandleAdapter) Object(name string) GCSObjectHandle {
	return &gcsObjectHandleAdapter{handle: a.handle.Object(name)}
}

type gcsObjectHandleAdapter struct {
	handle *storage.ObjectHandle
}

func (a *gcsObjectHandleAdapter) NewWriter(ctx context.Context, meta ObjectMeta) GCSWriter {
	w := a.handle.NewWriter(ctx)
	w.ContentType = meta.ContentType
	w.Metadata = meta.Metadata
	return w
}
