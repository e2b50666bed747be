package glance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newFakeKeystone serves the v3 token endpoint and counts token requests.
func newFakeKeystone(t *testing.T, token string, count *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v3/auth/tokens" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		var body map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("bad auth body: %v", err)
		}
		count.Add(1)
		w.Header().Set("X-Subject-Token", token)
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"token":{}}`)
	}))
}

func newTestClient(t *testing.T, glanceURL, authURL string) *Client {
	t.Helper()
	return NewClient(ClientOptions{
		Name:     "test-store",
		URL:      glanceURL,
		AuthURL:  authURL,
		Username: "admin",
		Password: "secret",
		Tenant:   "admin",
	}, discardLogger())
}

func TestTokenAcquiredOnceAndReused(t *testing.T) {
	var tokenCount atomic.Int32
	keystone := newFakeKeystone(t, "tok-123", &tokenCount)
	defer keystone.Close()

	glanceSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Auth-Token"); got != "tok-123" {
			t.Errorf("request carried token %q, want tok-123", got)
		}
		fmt.Fprint(w, `{"images":[]}`)
	}))
	defer glanceSrv.Close()

	client := newTestClient(t, glanceSrv.URL, keystone.URL)

	for i := 0; i < 3; i++ {
		if _, err := client.ListImages(context.Background()); err != nil {
			t.Fatalf("ListImages failed: %v", err)
		}
	}

	if n := tokenCount.Load(); n != 1 {
		t.Errorf("expected 1 token request, got %d", n)
	}
}

func TestListImagesPagination(t *testing.T) {
	var tokenCount atomic.Int32
	keystone := newFakeKeystone(t, "tok", &tokenCount)
	defer keystone.Close()

	glanceSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/v2/images" && r.URL.Query().Get("marker") == "":
			fmt.Fprint(w, `{"images":[{"id":"a","name":"img-a","size":10}],"next":"/v2/images?marker=a"}`)
		case r.URL.Query().Get("marker") == "a":
			fmt.Fprint(w, `{"images":[{"id":"b","name":"img-b","size":20}]}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer glanceSrv.Close()

	client := newTestClient(t, glanceSrv.URL, keystone.URL)

	images, err := client.ListImages(context.Background())
	if err != nil {
		t.Fatalf("ListImages failed: %v", err)
	}
	if len(images) != 2 {
		t.Fatalf("expected 2 images across pages, got %d", len(images))
	}
	if images[0].ID != "a" || images[1].ID != "b" {
		t.Errorf("unexpected page order: %s, %s", images[0].ID, images[1].ID)
	}
}

func TestAuthFailure(t *testing.T) {
	keystone := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
	}))
	defer keystone.Close()

	client := newTestClient(t, "http://127.0.0.1:0", keystone.URL)

	_, err := client.ListImages(context.Background())
	if err == nil {
		t.Fatal("expected auth error")
	}
	var serr *StoreError
	if !errors.As(err, &serr) {
		t.Fatalf("expected StoreError, got %T", err)
	}
	if serr.Op != "auth" || serr.StatusCode != http.StatusUnauthorized {
		t.Errorf("unexpected error detail: op=%s status=%d", serr.Op, serr.StatusCode)
	}
}

func TestCreateUploadRenameDelete(t *testing.T) {
	var tokenCount atomic.Int32
	keystone := newFakeKeystone(t, "tok", &tokenCount)
	defer keystone.Close()

	var uploaded []byte
	var renamedTo string
	var deleted bool

	glanceSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v2/images":
			var req CreateImageRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("bad create body: %v", err)
			}
			if req.Name != "ubuntu-20" || req.DiskFormat != "qcow2" {
				t.Errorf("unexpected create request: %+v", req)
			}
			w.WriteHeader(http.StatusCreated)
			fmt.Fprint(w, `{"id":"new-id","name":"ubuntu-20","status":"queued"}`)

		case r.Method == http.MethodPut && r.URL.Path == "/v2/images/new-id/file":
			if ct := r.Header.Get("Content-Type"); ct != "application/octet-stream" {
				t.Errorf("upload content type %q", ct)
			}
			uploaded, _ = io.ReadAll(r.Body)
			w.WriteHeader(http.StatusNoContent)

		case r.Method == http.MethodPatch && r.URL.Path == "/v2/images/new-id":
			if ct := r.Header.Get("Content-Type"); ct != patchContentType {
				t.Errorf("patch content type %q", ct)
			}
			var patch []map[string]string
			if err := json.NewDecoder(r.Body).Decode(&patch); err != nil || len(patch) != 1 {
				t.Errorf("bad patch body: %v", err)
			} else {
				renamedTo = patch[0]["value"]
			}
			fmt.Fprint(w, `{"id":"new-id"}`)

		case r.Method == http.MethodDelete && r.URL.Path == "/v2/images/new-id":
			deleted = true
			w.WriteHeader(http.StatusNoContent)

		default:
			http.NotFound(w, r)
		}
	}))
	defer glanceSrv.Close()

	client := newTestClient(t, glanceSrv.URL, keystone.URL)
	ctx := context.Background()

	img, err := client.CreateImage(ctx, CreateImageRequest{Name: "ubuntu-20", DiskFormat: "qcow2"})
	if err != nil {
		t.Fatalf("CreateImage failed: %v", err)
	}
	if img.ID != "new-id" {
		t.Errorf("create returned id %q", img.ID)
	}

	content := "image bytes"
	if err := client.UploadImage(ctx, img.ID, strings.NewReader(content)); err != nil {
		t.Fatalf("UploadImage failed: %v", err)
	}
	if string(uploaded) != content {
		t.Errorf("uploaded %q, want %q", uploaded, content)
	}

	if err := client.RenameImage(ctx, img.ID, "ubuntu-20_sync_bak"); err != nil {
		t.Fatalf("RenameImage failed: %v", err)
	}
	if renamedTo != "ubuntu-20_sync_bak" {
		t.Errorf("renamed to %q", renamedTo)
	}

	if err := client.DeleteImage(ctx, img.ID); err != nil {
		t.Fatalf("DeleteImage failed: %v", err)
	}
	if !deleted {
		t.Error("delete never reached the server")
	}
}

func TestDownloadImageStreams(t *testing.T) {
	var tokenCount atomic.Int32
	keystone := newFakeKeystone(t, "tok", &tokenCount)
	defer keystone.Close()

	content := strings.Repeat("z", 8192)
	glanceSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/images/img-1/file" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		fmt.Fprint(w, content)
	}))
	defer glanceSrv.Close()

	client := newTestClient(t, glanceSrv.URL, keystone.URL)

	rc, err := client.DownloadImage(context.Background(), "img-1")
	if err != nil {
		t.Fatalf("DownloadImage failed: %v", err)
	}
	defer rc.Close()

	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("draining stream: %v", err)
	}
	if string(got) != content {
		t.Errorf("downloaded %d bytes, want %d", len(got), len(content))
	}
}

func TestStoreErrorCarriesStatus(t *testing.T) {
	var tokenCount atomic.Int32
	keystone := newFakeKeystone(t, "tok", &tokenCount)
	defer keystone.Close()

	glanceSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "image not found", http.StatusNotFound)
	}))
	defer glanceSrv.Close()

	client := newTestClient(t, glanceSrv.URL, keystone.URL)

	_, err := client.GetImage(context.Background(), "nope")
	if err == nil {
		t.Fatal("expected error")
	}
	var serr *StoreError
	if !errors.As(err, &serr) {
		t.Fatalf("expected StoreError, got %T", err)
	}
	if serr.StatusCode != http.StatusNotFound || serr.Store != "test-store" || serr.Op != "get" {
		t.Errorf("unexpected error detail: %+v", serr)
	}
}
