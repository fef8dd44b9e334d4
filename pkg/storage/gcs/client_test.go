package gcs

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

type roundTripFunc func(*http.Request) *http.Response

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req), nil
}

func staticToken() *tokenSource {
	return &tokenSource{fetch: func(context.Context) (string, time.Time, error) {
		return "token", time.Now().Add(time.Hour), nil
	}}
}

func TestUploadObjectSuccess(t *testing.T) {
	t.Parallel()

	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.URL.Path != "/upload/storage/v1/b/bucket/o" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("name") != "diagnostics/o1/r1.zst" {
			t.Errorf("unexpected object name %q", r.URL.Query().Get("name"))
		}
		if r.Header.Get("Authorization") != "Bearer token" {
			t.Errorf("unexpected auth %q", r.Header.Get("Authorization"))
		}
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		_ = json.NewEncoder(w).Encode(ObjectInfo{Bucket: "bucket", Name: "diagnostics/o1/r1.zst", MD5Hash: "abc=", Size: "7"})
	}))
	defer srv.Close()

	client := &Client{httpClient: srv.Client(), endpoint: srv.URL, defaultBucket: "bucket", tokenSource: staticToken()}
	info, err := client.UploadObject(context.Background(), "", "diagnostics/o1/r1.zst", "application/zstd", []byte("payload"))
	if err != nil {
		t.Fatalf("UploadObject: %v", err)
	}
	if info.MD5Hash != "abc=" || info.Name != "diagnostics/o1/r1.zst" {
		t.Fatalf("unexpected info %+v", info)
	}
	if gotBody != "payload" {
		t.Fatalf("unexpected uploaded body %q", gotBody)
	}
}

func TestUploadObjectServerErrorIsTemporary(t *testing.T) {
	t.Parallel()

	client := &Client{
		defaultBucket: "bucket",
		httpClient: &http.Client{Transport: roundTripFunc(func(req *http.Request) *http.Response {
			return &http.Response{
				StatusCode: http.StatusServiceUnavailable,
				Body:       io.NopCloser(strings.NewReader("backend down")),
				Header:     http.Header{},
			}
		})},
	}

	_, err := client.UploadObject(context.Background(), "bucket", "obj", "", []byte("x"))
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsTemporary(err) {
		t.Fatalf("expected temporary error, got %v", err)
	}
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Body != "backend down" {
		t.Fatalf("unexpected status error %v", err)
	}
}

func TestUploadObjectForbiddenIsPermanent(t *testing.T) {
	t.Parallel()

	client := &Client{
		defaultBucket: "bucket",
		httpClient: &http.Client{Transport: roundTripFunc(func(req *http.Request) *http.Response {
			return &http.Response{StatusCode: http.StatusForbidden, Body: io.NopCloser(strings.NewReader("")), Header: http.Header{}}
		})},
	}
	_, err := client.UploadObject(context.Background(), "", "obj", "", nil)
	if err == nil || IsTemporary(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestDeleteObjectSuccess(t *testing.T) {
	t.Parallel()

	client := &Client{
		defaultBucket: "bucket",
		tokenSource:   staticToken(),
		httpClient: &http.Client{Transport: roundTripFunc(func(req *http.Request) *http.Response {
			if req.Method != http.MethodDelete {
				t.Errorf("expected DELETE, got %s", req.Method)
			}
			if req.Header.Get("Authorization") != "Bearer token" {
				t.Errorf("unexpected auth %s", req.Header.Get("Authorization"))
			}
			return &http.Response{
				StatusCode: http.StatusNoContent,
				Body:       io.NopCloser(strings.NewReader("")),
				Header:     http.Header{},
			}
		})},
	}

	if err := client.DeleteObject(context.Background(), "bucket", "diagnostics/file.zst"); err != nil {
		t.Fatalf("DeleteObject: %v", err)
	}
}

func TestDeleteObjectNotFound(t *testing.T) {
	t.Parallel()

	client := &Client{
		defaultBucket: "bucket",
		httpClient: &http.Client{Transport: roundTripFunc(func(req *http.Request) *http.Response {
			if req.Header.Get("Authorization") != "" {
				t.Errorf("emulator requests must not carry auth")
			}
			return &http.Response{
				StatusCode: http.StatusNotFound,
				Body:       io.NopCloser(strings.NewReader("")),
				Header:     http.Header{},
			}
		})},
	}

	if err := client.DeleteObject(context.Background(), "", "diagnostics/file.zst"); err != nil {
		t.Fatalf("DeleteObject not found should succeed: %v", err)
	}
}

func TestPingUsesEndpoint(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/storage/v1/b/bucket/o" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"items":[]}`))
	}))
	defer srv.Close()

	client := &Client{httpClient: srv.Client(), endpoint: srv.URL, defaultBucket: "bucket"}
	if err := client.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if got := client.ObjectURL("", "a/b.zst"); got != srv.URL+"/bucket/a/b.zst" {
		t.Fatalf("unexpected object url %s", got)
	}
}

func TestServiceAccountTokenFetch(t *testing.T) {
	t.Parallel()

	key := mustGenerateKey(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.Form.Get("grant_type") != "urn:ietf:params:oauth:grant-type:jwt-bearer" {
			t.Errorf("unexpected grant type %q", r.Form.Get("grant_type"))
		}
		if parts := strings.Split(r.Form.Get("assertion"), "."); len(parts) != 3 {
			t.Errorf("expected signed jwt assertion, got %d parts", len(parts))
		}
		_, _ = w.Write([]byte(`{"access_token":"sa-token","expires_in":3600}`))
	}))
	defer srv.Close()

	creds, err := json.Marshal(map[string]string{
		"client_email": "sync@example.iam.gserviceaccount.com",
		"private_key":  encodeKey(key),
		"token_uri":    srv.URL,
	})
	if err != nil {
		t.Fatalf("marshal creds: %v", err)
	}

	ts, err := newServiceAccountTokenSource(srv.Client(), string(creds))
	if err != nil {
		t.Fatalf("token source: %v", err)
	}
	token, err := ts.Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if token != "sa-token" {
		t.Fatalf("unexpected token %q", token)
	}
}

func mustGenerateKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	return key
}

func encodeKey(key *rsa.PrivateKey) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}))
}
