// Package archive implements the optional cold-storage tier: bytes evicted
// from the on-disk artifactcache are uploaded, xz-recompressed, to an
// S3-compatible object store instead of being discarded outright.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"
	"github.com/ulikunitz/xz"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const otelPackageName = "github.com/kalbasit/buildcache/pkg/archive"

//nolint:gochecknoglobals
var tracer = otel.Tracer(otelPackageName)

// Config configures an Archiver.
type Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string

	// UseSSL selects https vs http against Endpoint.
	UseSSL bool

	// ForcePathStyle selects path-style bucket addressing, required by most
	// non-AWS S3-compatible object stores (minio, etc).
	ForcePathStyle bool
}

// Archiver uploads evicted artifact bytes to an S3-compatible bucket,
// recompressing them with xz for colder, denser storage.
type Archiver struct {
	client *minio.Client
	bucket string
}

// New creates an Archiver from cfg, verifying the bucket exists.
func New(ctx context.Context, cfg Config) (*Archiver, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
		// BucketLookup controls path- vs virtual-hosted-style addressing;
		// most self-hosted S3-compatible stores require path style.
		BucketLookup: lookupStyle(cfg.ForcePathStyle),
	})
	if err != nil {
		return nil, fmt.Errorf("archive: error creating minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("archive: error checking bucket %q: %w", cfg.Bucket, err)
	}

	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("archive: error creating bucket %q: %w", cfg.Bucket, err)
		}
	}

	return &Archiver{client: client, bucket: cfg.Bucket}, nil
}

func lookupStyle(forcePathStyle bool) minio.BucketLookupType {
	if forcePathStyle {
		return minio.BucketLookupPath
	}

	return minio.BucketLookupAuto
}

// Put xz-compresses data and uploads it under key.
func (a *Archiver) Put(ctx context.Context, key string, data []byte) error {
	ctx, span := tracer.Start(ctx, "archive.Put", trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("key", key), attribute.Int("size", len(data))))
	defer span.End()

	var buf bytes.Buffer

	w, err := xz.NewWriter(&buf)
	if err != nil {
		return fmt.Errorf("archive: error creating xz writer: %w", err)
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("archive: error xz-compressing object: %w", err)
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("archive: error closing xz writer: %w", err)
	}

	_, err = a.client.PutObject(ctx, a.bucket, key, &buf, int64(buf.Len()), minio.PutObjectOptions{
		ContentType: "application/x-xz",
	})
	if err != nil {
		return fmt.Errorf("archive: error uploading %q: %w", key, err)
	}

	zerolog.Ctx(ctx).Debug().Str("key", key).Int("size", len(data)).Msg("archive: uploaded object")

	return nil
}

// Get downloads and xz-decompresses the object stored under key.
func (a *Archiver) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "archive.Get", trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	obj, err := a.client.GetObject(ctx, a.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("archive: error fetching %q: %w", key, err)
	}

	defer obj.Close() //nolint:errcheck

	r, err := xz.NewReader(obj)
	if err != nil {
		return nil, fmt.Errorf("archive: error creating xz reader for %q: %w", key, err)
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("archive: error decompressing %q: %w", key, err)
	}

	return data, nil
}

// Delete removes the object stored under key.
func (a *Archiver) Delete(ctx context.Context, key string) error {
	if err := a.client.RemoveObject(ctx, a.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("archive: error deleting %q: %w", key, err)
	}

	return nil
}
