package remote

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/angelmondragon/vehiclehealth-backend/pkg/errors"
	"github.com/angelmondragon/vehiclehealth-backend/pkg/storage/gcs"
)

type fakeGCS struct {
	uploads   map[string][]byte
	deleted   []string
	uploadErr error
	deleteErr error
}

func (f *fakeGCS) UploadObject(_ context.Context, bucket, object, contentType string, body []byte) (gcs.ObjectInfo, error) {
	if f.uploadErr != nil {
		return gcs.ObjectInfo{}, f.uploadErr
	}
	if f.uploads == nil {
		f.uploads = map[string][]byte{}
	}
	f.uploads[object] = body
	return gcs.ObjectInfo{Bucket: bucket, Name: object, Size: "3", MD5Hash: "md5==", ContentType: contentType}, nil
}

func (f *fakeGCS) DeleteObject(_ context.Context, _, object string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, object)
	return nil
}

func (f *fakeGCS) ObjectURL(bucket, object string) string {
	return "https://storage.example/" + bucket + "/" + object
}

func TestNewGCSObjectStoreValidates(t *testing.T) {
	_, err := NewGCSObjectStore(nil, "bucket")
	require.Error(t, err)
	_, err = NewGCSObjectStore(&fakeGCS{}, "")
	require.Error(t, err)
}

func TestGCSObjectStorePutAndDelete(t *testing.T) {
	fake := &fakeGCS{}
	store, err := NewGCSObjectStore(fake, "media")
	require.NoError(t, err)

	obj, err := store.Put(context.Background(), "diagnostics/a.zst", "application/zstd", []byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, Object{Key: "diagnostics/a.zst", URL: "https://storage.example/media/diagnostics/a.zst", MD5: "md5==", Size: 3}, obj)

	require.NoError(t, store.Delete(context.Background(), "diagnostics/a.zst"))
	require.NoError(t, store.Delete(context.Background(), ""))
	assert.Equal(t, []string{"diagnostics/a.zst"}, fake.deleted)
}

func TestGCSObjectStoreClassifiesErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code pkgerrors.Code
	}{
		{"server error", &gcs.StatusError{Op: "upload", StatusCode: http.StatusServiceUnavailable}, pkgerrors.CodeTransientNetwork},
		{"rate limited", &gcs.StatusError{Op: "upload", StatusCode: http.StatusTooManyRequests}, pkgerrors.CodeTransientNetwork},
		{"forbidden", &gcs.StatusError{Op: "upload", StatusCode: http.StatusForbidden}, pkgerrors.CodeDependency},
		{"network", errors.New("dial tcp: i/o timeout"), pkgerrors.CodeTransientNetwork},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store, err := NewGCSObjectStore(&fakeGCS{uploadErr: tc.err}, "media")
			require.NoError(t, err)
			_, err = store.Put(context.Background(), "k", "application/zstd", nil)
			assert.Equal(t, tc.code, pkgerrors.CodeOf(err))
		})
	}
}
