package remote

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	pkgerrors "github.com/angelmondragon/vehiclehealth-backend/pkg/errors"
	"github.com/angelmondragon/vehiclehealth-backend/pkg/storage/gcs"
)

type gcsClient interface {
	UploadObject(ctx context.Context, bucket, object, contentType string, body []byte) (gcs.ObjectInfo, error)
	DeleteObject(ctx context.Context, bucket, object string) error
	ObjectURL(bucket, object string) string
}

// GCSObjectStore stores media objects in one bucket.
type GCSObjectStore struct {
	client gcsClient
	bucket string
}

// NewGCSObjectStore adapts a GCS client to ObjectStore.
func NewGCSObjectStore(client gcsClient, bucket string) (*GCSObjectStore, error) {
	if client == nil {
		return nil, fmt.Errorf("gcs client required")
	}
	if bucket == "" {
		return nil, fmt.Errorf("gcs bucket required")
	}
	return &GCSObjectStore{client: client, bucket: bucket}, nil
}

func (s *GCSObjectStore) Put(ctx context.Context, key, contentType string, data []byte) (Object, error) {
	info, err := s.client.UploadObject(ctx, s.bucket, key, contentType, data)
	if err != nil {
		return Object{}, classifyObjectErr(err, "upload media object")
	}
	size, _ := strconv.ParseInt(info.Size, 10, 64)
	return Object{
		Key:  key,
		URL:  s.client.ObjectURL(s.bucket, key),
		MD5:  info.MD5Hash,
		Size: size,
	}, nil
}

func (s *GCSObjectStore) Delete(ctx context.Context, key string) error {
	if key == "" {
		return nil
	}
	if err := s.client.DeleteObject(ctx, s.bucket, key); err != nil {
		return classifyObjectErr(err, "delete media object")
	}
	return nil
}

func classifyObjectErr(err error, msg string) error {
	var statusErr *gcs.StatusError
	if errors.As(err, &statusErr) && !statusErr.Temporary() {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, msg)
	}
	return pkgerrors.Transient(err, msg)
}
