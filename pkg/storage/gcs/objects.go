package gcs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// ObjectInfo is the subset of object metadata returned by the JSON API.
type ObjectInfo struct {
	Bucket      string `json:"bucket"`
	Name        string `json:"name"`
	Size        string `json:"size"`
	MD5Hash     string `json:"md5Hash"`
	ContentType string `json:"contentType"`
	Generation  string `json:"generation"`
	MediaLink   string `json:"mediaLink"`
}

// StatusError is a non-2xx response from GCS.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("gcs %s failed: %d: %s", e.Op, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("gcs %s failed: %d", e.Op, e.StatusCode)
}

// Temporary reports whether retrying the same request may succeed.
func (e *StatusError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout || e.StatusCode >= 500
}

// IsTemporary reports whether err is a retryable GCS status.
func IsTemporary(err error) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.Temporary()
}

// UploadObject writes body to bucket/object with a simple media upload.
func (c *Client) UploadObject(ctx context.Context, bucket, object, contentType string, body []byte) (ObjectInfo, error) {
	if c == nil || c.httpClient == nil {
		return ObjectInfo{}, errors.New("gcs client not initialized")
	}
	bucket = c.bucketOrDefault(bucket)
	if bucket == "" || object == "" {
		return ObjectInfo{}, errors.New("bucket and object are required")
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	u := fmt.Sprintf("%s/upload/storage/v1/b/%s/o?uploadType=media&name=%s",
		c.baseURL(), url.PathEscape(bucket), url.QueryEscape(object))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return ObjectInfo{}, err
	}
	if err := c.authorize(ctx, req); err != nil {
		return ObjectInfo{}, err
	}
	req.Header.Set("Content-Type", contentType)
	req.ContentLength = int64(len(body))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ObjectInfo{}, err
	}
	defer func() { closeBody(ctx, nil, resp.Body, "gcs: closing response body failed") }()

	if resp.StatusCode != http.StatusOK {
		return ObjectInfo{}, statusError("upload", resp)
	}

	var info ObjectInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return ObjectInfo{}, fmt.Errorf("decode upload response: %w", err)
	}
	return info, nil
}

// DeleteObject removes bucket/object. A missing object counts as deleted.
func (c *Client) DeleteObject(ctx context.Context, bucket, object string) error {
	if c == nil || c.httpClient == nil {
		return errors.New("gcs client not initialized")
	}
	bucket = c.bucketOrDefault(bucket)
	if bucket == "" || object == "" {
		return errors.New("bucket and object are required")
	}

	u := fmt.Sprintf("%s/storage/v1/b/%s/o/%s", c.baseURL(), url.PathEscape(bucket), url.PathEscape(object))
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return err
	}
	if err := c.authorize(ctx, req); err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { closeBody(ctx, nil, resp.Body, "gcs: closing response body failed") }()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		return nil
	default:
		return statusError("delete", resp)
	}
}

// ObjectURL returns the canonical HTTPS URL of an object.
func (c *Client) ObjectURL(bucket, object string) string {
	return fmt.Sprintf("%s/%s/%s", c.baseURL(), c.bucketOrDefault(bucket), object)
}

func (c *Client) bucketOrDefault(bucket string) string {
	if bucket != "" {
		return bucket
	}
	return c.defaultBucket
}

func statusError(op string, resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	return &StatusError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
}
