package store

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"
	"gocloud.dev/gcerrors"
)

// BucketStore serves the calibration tree from an object bucket through the
// gocloud blob portability layer.
type BucketStore struct {
	bucket *blob.Bucket
	urlStr string
	prefix string
}

// NewBucketStore opens a bucket by URL (gs://bucket, s3://bucket?...).
func NewBucketStore(urlStr, prefix string) (*BucketStore, error) {
	bucket, err := blob.OpenBucket(context.Background(), urlStr)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", urlStr, err)
	}
	if prefix != "" {
		if !strings.HasSuffix(prefix, "/") {
			prefix += "/"
		}
		bucket = blob.PrefixedBucket(bucket, prefix)
	}
	return &BucketStore{bucket: bucket, urlStr: urlStr, prefix: prefix}, nil
}

// NewS3Store opens an S3-compatible bucket, optionally against a custom
// endpoint (B2, R2, MinIO).
func NewS3Store(bucketName, prefix, endpoint, region string) (*BucketStore, error) {
	params := url.Values{}
	if region != "" {
		params.Set("region", region)
	}
	if endpoint != "" {
		params.Set("endpoint", endpoint)
		params.Set("s3ForcePathStyle", "true")
	}
	urlStr := fmt.Sprintf("s3://%s", bucketName)
	if len(params) > 0 {
		urlStr += "?" + params.Encode()
	}
	return NewBucketStore(urlStr, prefix)
}

func (s *BucketStore) List(ctx context.Context, prefix string) ([]string, error) {
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	iter := s.bucket.List(&blob.ListOptions{Prefix: prefix, Delimiter: "/"})
	var keys []string
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		if obj.IsDir {
			continue
		}
		keys = append(keys, obj.Key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *BucketStore) Read(ctx context.Context, key string) ([]byte, error) {
	data, err := s.bucket.ReadAll(ctx, key)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, fmt.Errorf("%s: %w", key, ErrNotExist)
		}
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

func (s *BucketStore) Write(ctx context.Context, key string, data []byte) error {
	if err := s.bucket.WriteAll(ctx, key, data, nil); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

func (s *BucketStore) Exists(ctx context.Context, key string) (bool, error) {
	ok, err := s.bucket.Exists(ctx, key)
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", key, err)
	}
	return ok, nil
}

func (s *BucketStore) URI(key string) string {
	base := s.urlStr
	if i := strings.IndexByte(base, '?'); i >= 0 {
		base = base[:i]
	}
	return strings.TrimSuffix(base, "/") + "/" + s.prefix + key
}

func (s *BucketStore) Close() error {
	return s.bucket.Close()
}
