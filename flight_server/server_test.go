package flight_server

import (
	"context"
	"testing"
	"time"

	"github.com/TFMV/clipbatch/internal/flight"
	"github.com/TFMV/clipbatch/internal/testsupport"
	"github.com/TFMV/clipbatch/internal/types"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func startServer(t *testing.T, registry Snapshotter) (*FlightServer, *flight.ManifestClient) {
	t.Helper()
	srv, err := NewFlightServer(ServerConfig{Addr: "127.0.0.1:0", Registry: registry})
	if err != nil {
		t.Fatalf("NewFlightServer: %v", err)
	}
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go srv.Serve()
	t.Cleanup(srv.Stop)

	client, err := flight.NewManifestClient(flight.ManifestClientConfig{Addr: srv.Addr()})
	if err != nil {
		t.Fatalf("NewManifestClient: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return srv, client
}

func seedDone(t *testing.T, registry *testsupport.Registry) string {
	t.Helper()
	ctx := context.Background()
	batchID := "batch-1"
	jobs := []types.Job{
		{JobID: "j1", BatchID: batchID, SourceKey: "uploads/batch-1/a.mp4", Start: 0, End: 1},
		{JobID: "j2", BatchID: batchID, SourceKey: "uploads/batch-1/b.mp4", Start: 0, End: 1},
	}
	if err := registry.Seed(ctx, batchID, jobs); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	for _, job := range jobs {
		ref := "http://blobs.test/clips/processed/batch-1/" + job.JobID + "_cut.mp4"
		if _, err := registry.RecordOutcome(ctx, batchID, job.JobID, types.Success(ref)); err != nil {
			t.Fatalf("RecordOutcome: %v", err)
		}
	}
	return batchID
}

func TestManifestRoundTrip(t *testing.T) {
	registry := testsupport.NewRegistry()
	batchID := seedDone(t, registry)
	srv, client := startServer(t, registry)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rec, err := client.GetManifest(ctx, batchID)
	if err != nil {
		t.Fatalf("GetManifest: %v", err)
	}
	defer rec.Release()

	rows, err := flight.Rows(rec)
	if err != nil {
		t.Fatalf("Rows: %v", err)
	}
	if len(rows) != 2 || rows[0].Status != "done" || rows[0].ResultReference == "" {
		t.Fatalf("unexpected rows %+v", rows)
	}
	if srv.Cached(batchID) {
		t.Fatal("unarchived batch must not be cached")
	}

	if err := registry.SetArchive(ctx, batchID, "http://blobs.test/clips/zips/batch-1/x.zip"); err != nil {
		t.Fatalf("SetArchive: %v", err)
	}
	rec2, err := client.GetManifest(ctx, batchID)
	if err != nil {
		t.Fatalf("GetManifest: %v", err)
	}
	defer rec2.Release()
	rows, _ = flight.Rows(rec2)
	if rows[0].ArchiveReference == "" {
		t.Fatal("expected archive reference in manifest")
	}
	if !srv.Cached(batchID) {
		t.Fatal("archived batch manifest should be cached")
	}

	srv.evictExpired(time.Now().Add(2 * time.Hour))
	if srv.Cached(batchID) {
		t.Fatal("expired manifest should be evicted")
	}
}

func TestManifestUnknownBatch(t *testing.T) {
	_, client := startServer(t, testsupport.NewRegistry())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := client.GetManifest(ctx, "missing")
	if err == nil {
		t.Fatal("expected error for unknown batch")
	}
	if st, ok := status.FromError(unwrapAll(err)); !ok || st.Code() != codes.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func unwrapAll(err error) error {
	for {
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return err
		}
		next := u.Unwrap()
		if next == nil {
			return err
		}
		err = next
	}
}

func TestNewFlightServerRequiresRegistry(t *testing.T) {
	if _, err := NewFlightServer(ServerConfig{}); err == nil {
		t.Fatal("expected error without registry")
	}
}
