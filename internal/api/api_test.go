package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/TFMV/clipbatch/internal/ingest"
	"github.com/TFMV/clipbatch/internal/testsupport"
	"github.com/TFMV/clipbatch/internal/types"
)

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func newTestServer(t *testing.T, health Pinger) (*httptest.Server, *testsupport.Registry) {
	t.Helper()
	registry := testsupport.NewRegistry()
	svc := ingest.NewService(registry, testsupport.NewMemoryStore("clips"), nil)
	srv := httptest.NewServer(NewRouter(svc, Options{Health: health}))
	t.Cleanup(srv.Close)
	return srv, registry
}

func multipartBody(t *testing.T, fields map[string]string, files ...string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, name := range files {
		part, err := mw.CreateFormFile("videos", name)
		if err != nil {
			t.Fatalf("CreateFormFile: %v", err)
		}
		fmt.Fprintf(part, "bytes of %s", name)
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("WriteField: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

func post(t *testing.T, srv *httptest.Server, fields map[string]string, files ...string) (*http.Response, map[string]string) {
	t.Helper()
	body, contentType := multipartBody(t, fields, files...)
	resp, err := http.Post(srv.URL+"/upload", contentType, body)
	if err != nil {
		t.Fatalf("POST /upload: %v", err)
	}
	defer resp.Body.Close()
	out := map[string]string{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, out
}

func TestUploadAndStatus(t *testing.T) {
	srv, registry := newTestServer(t, nil)

	resp, out := post(t, srv, map[string]string{"start": "5", "end": "10", "confirmOwnership": "yes"}, "a.mp4", "b.mp4", "c.mp4")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, body %v", resp.StatusCode, out)
	}
	batchID := out["batchId"]
	if batchID == "" {
		t.Fatal("expected batchId")
	}
	if depth, _ := registry.Jobs().Depth(context.Background()); depth != 3 {
		t.Fatalf("job queue depth = %d, want 3", depth)
	}

	statusResp, err := http.Get(srv.URL + "/status/" + batchID)
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	defer statusResp.Body.Close()
	if statusResp.StatusCode != http.StatusOK {
		t.Fatalf("status code = %d", statusResp.StatusCode)
	}
	var batch types.Batch
	if err := json.NewDecoder(statusResp.Body).Decode(&batch); err != nil {
		t.Fatalf("decode batch: %v", err)
	}
	if batch.BatchID != batchID || batch.Status != types.BatchStatusQueued || batch.Expected != 3 {
		t.Fatalf("unexpected batch %+v", batch)
	}
	if batch.Results == nil {
		t.Fatal("results must encode as an empty list")
	}
}

func TestUploadRejections(t *testing.T) {
	cases := []struct {
		name   string
		fields map[string]string
		files  []string
		code   string
	}{
		{"no ownership", map[string]string{"start": "5", "end": "10"}, []string{"a.mp4"}, types.CodeOwnershipNotConfirmed},
		{"declined ownership", map[string]string{"start": "5", "end": "10", "confirmOwnership": "no"}, []string{"a.mp4"}, types.CodeOwnershipNotConfirmed},
		{"no files", map[string]string{"start": "5", "end": "10", "confirmOwnership": "yes"}, nil, types.CodeNoFiles},
		{"bad start", map[string]string{"start": "five", "end": "10", "confirmOwnership": "yes"}, []string{"a.mp4"}, types.CodeInvalidRange},
		{"inverted range", map[string]string{"start": "10", "end": "5", "confirmOwnership": "yes"}, []string{"a.mp4"}, types.CodeInvalidRange},
		{"not a number", map[string]string{"start": "NaN", "end": "5", "confirmOwnership": "yes"}, []string{"a.mp4"}, types.CodeInvalidRange},
		{"duplicate names", map[string]string{"start": "0", "end": "5", "confirmOwnership": "yes"}, []string{"a.mp4", "A.mp4"}, types.CodeDuplicateFilename},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv, registry := newTestServer(t, nil)
			resp, out := post(t, srv, tc.fields, tc.files...)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", resp.StatusCode)
			}
			if out["error"] != tc.code {
				t.Fatalf("error = %q, want %q", out["error"], tc.code)
			}
			if out["message"] == "" {
				t.Fatal("expected message")
			}
			if depth, _ := registry.Jobs().Depth(context.Background()); depth != 0 {
				t.Fatalf("rejected upload enqueued %d jobs", depth)
			}
		})
	}
}

func TestUploadRequiresMultipart(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	resp, err := http.Post(srv.URL+"/upload", "application/json", bytes.NewBufferString(`{}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestStatusUnknownBatch(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	resp, err := http.Get(srv.URL + "/status/does-not-exist")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	var out ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Error != "not_found" {
		t.Fatalf("error = %q", out.Error)
	}
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, pingFunc(func(context.Context) error { return nil }))
	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	down, _ := newTestServer(t, pingFunc(func(context.Context) error { return errors.New("connection refused") }))
	resp, err = http.Get(down.URL + "/health")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
}

func TestHTTPStatusFromError(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{types.NewValidationError(types.CodeNoFiles, "none"), http.StatusBadRequest},
		{fmt.Errorf("batch x: %w", types.ErrBatchNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: down", types.ErrQueue), http.StatusServiceUnavailable},
		{fmt.Errorf("%w: down", types.ErrStorage), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := HTTPStatusFromError(tc.err); got != tc.want {
			t.Fatalf("HTTPStatusFromError(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
