package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"dsgate/internal/gwerr"
	"dsgate/internal/models"
)

// S3Options configures an S3Store.
type S3Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

// S3Store is a BlobStore over any S3-compatible object store (MinIO, AWS).
type S3Store struct {
	client *minio.Client
}

// NewS3Store creates a store backed by a minio client. The client pools
// connections and is shared by all requests.
func NewS3Store(opts S3Options) (*S3Store, error) {
	if strings.TrimSpace(opts.Endpoint) == "" {
		return nil, fmt.Errorf("s3 endpoint is required")
	}
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
		Region: opts.Region,
	})
	if err != nil {
		return nil, err
	}
	return &S3Store{client: client}, nil
}

// EnsureBucket creates bucket when it does not exist yet.
func (s *S3Store) EnsureBucket(ctx context.Context, bucket string) error {
	exists, err := s.client.BucketExists(ctx, bucket)
	if err != nil {
		return classifyS3Error("bucket exists", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
		return classifyS3Error("make bucket", err)
	}
	return nil
}

// Put uploads data with user metadata.
func (s *S3Store) Put(ctx context.Context, bucket, key string, data []byte, opts PutOptions) (models.BlobRef, error) {
	ref := models.BlobRef{Bucket: bucket, Key: key}
	if err := validateRef(ref); err != nil {
		return models.BlobRef{}, err
	}
	contentType := opts.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	meta := normalizeMetadata(opts.Metadata)
	if _, ok := meta[models.BlobMetaContentHash]; !ok {
		meta[models.BlobMetaContentHash] = ContentHash(data)
	}
	_, err := s.client.PutObject(ctx, bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: meta,
	})
	if err != nil {
		return models.BlobRef{}, classifyS3Error("blob put", err)
	}
	return ref, nil
}

// Get downloads the object bytes.
func (s *S3Store) Get(ctx context.Context, ref models.BlobRef) ([]byte, error) {
	if err := validateRef(ref); err != nil {
		return nil, err
	}
	obj, err := s.client.GetObject(ctx, ref.Bucket, ref.Key, minio.GetObjectOptions{})
	if err != nil {
		return nil, classifyS3Error("blob get", err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, classifyS3Error("blob get", err)
	}
	return data, nil
}

// Stat reads object attributes and user metadata.
func (s *S3Store) Stat(ctx context.Context, ref models.BlobRef) (models.BlobInfo, error) {
	if err := validateRef(ref); err != nil {
		return models.BlobInfo{}, err
	}
	info, err := s.client.StatObject(ctx, ref.Bucket, ref.Key, minio.StatObjectOptions{})
	if err != nil {
		return models.BlobInfo{}, classifyS3Error("blob stat", err)
	}
	meta := normalizeMetadata(info.UserMetadata)
	size := info.Size
	if size < 0 {
		size = 0
	}
	return models.BlobInfo{
		Ref:          ref,
		SizeBytes:    uint64(size),
		ContentHash:  meta[models.BlobMetaContentHash],
		ContentType:  info.ContentType,
		Metadata:     meta,
		LastModified: info.LastModified.UTC(),
	}, nil
}

// Delete removes the object. S3 treats absent keys as success.
func (s *S3Store) Delete(ctx context.Context, ref models.BlobRef) error {
	if err := validateRef(ref); err != nil {
		return err
	}
	err := s.client.RemoveObject(ctx, ref.Bucket, ref.Key, minio.RemoveObjectOptions{})
	if err != nil {
		err = classifyS3Error("blob delete", err)
		if errors.Is(err, gwerr.ErrNotFound) {
			return nil
		}
		return err
	}
	return nil
}

// Presign returns a presigned GET URL. The object is stat'ed first so a
// missing blob fails with ErrNotFound instead of yielding a dead URL.
func (s *S3Store) Presign(ctx context.Context, ref models.BlobRef, ttl time.Duration) (models.BlobHandle, error) {
	info, err := s.Stat(ctx, ref)
	if err != nil {
		return models.BlobHandle{}, err
	}
	if ttl <= 0 {
		ttl = DefaultPresignTTL
	}
	u, err := s.client.PresignedGetObject(ctx, ref.Bucket, ref.Key, ttl, url.Values{})
	if err != nil {
		return models.BlobHandle{}, classifyS3Error("blob presign", err)
	}
	return models.BlobHandle{
		Ref:         ref,
		SizeBytes:   info.SizeBytes,
		ContentHash: info.ContentHash,
		AccessURL:   u.String(),
		ExpiresAt:   time.Now().UTC().Add(ttl),
	}, nil
}

// List pages through a bucket with StartAfter, reading one extra key to
// learn whether another page exists.
func (s *S3Store) List(ctx context.Context, bucket string, opts ListOptions) (ListResult, error) {
	if err := validateBucket(bucket); err != nil {
		return ListResult{}, err
	}
	after, err := DecodePageToken(opts.PageToken)
	if err != nil {
		return ListResult{}, err
	}
	limit := normalizeLimit(opts.Limit)

	listCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	result := ListResult{Items: []models.BlobRef{}}
	objects := s.client.ListObjects(listCtx, bucket, minio.ListObjectsOptions{
		Prefix:     opts.Prefix,
		StartAfter: after,
		Recursive:  true,
		MaxKeys:    limit + 1,
	})
	for obj := range objects {
		if obj.Err != nil {
			return ListResult{}, classifyS3Error("blob list", obj.Err)
		}
		if len(result.Items) == limit {
			result.NextPageToken = EncodePageToken(result.Items[len(result.Items)-1].Key)
			break
		}
		result.Items = append(result.Items, models.BlobRef{Bucket: bucket, Key: obj.Key})
	}
	return result, nil
}

func classifyS3Error(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return gwerr.Unavailable(op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return gwerr.Unavailable(op, err)
	}
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NoSuchBucket", "NotFound":
		return fmt.Errorf("%s: %v: %w", op, err, gwerr.ErrNotFound)
	case "QuotaExceeded", "EntityTooLarge", "XMinioStorageFull", "XMinioAdminBucketQuotaExceeded":
		return fmt.Errorf("%s: %v: %w", op, err, gwerr.ErrQuotaExceeded)
	case "InvalidBucketName", "InvalidObjectName", "KeyTooLongError", "InvalidArgument":
		return fmt.Errorf("%s: %v: %w", op, err, gwerr.ErrValidation)
	case "SlowDown", "ServiceUnavailable", "InternalError", "RequestTimeout", "XMinioServerNotInitialized":
		return gwerr.Unavailable(op, err)
	}
	if resp.StatusCode >= 500 {
		return gwerr.Unavailable(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

var _ BlobStore = (*S3Store)(nil)
