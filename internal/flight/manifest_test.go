package flight

import (
	"testing"

	"github.com/TFMV/clipbatch/internal/types"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

func TestBuildManifestRows(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	batch := &types.Batch{
		BatchID:          "b1",
		Status:           types.BatchStatusDone,
		Results:          []string{"http://minio/clips/processed/b1/a_cut.mp4", "http://minio/clips/processed/b1/b_cut.mp4"},
		Failures:         []string{},
		ArchiveReference: "http://minio/clips/zips/b1/x.zip",
	}

	rec := BuildManifest(mem, batch)
	defer rec.Release()

	if rec.NumRows() != 2 || rec.NumCols() != 6 {
		t.Fatalf("record shape = %dx%d, want 2x6", rec.NumRows(), rec.NumCols())
	}

	rows, err := Rows(rec)
	if err != nil {
		t.Fatalf("Rows: %v", err)
	}
	for i, row := range rows {
		if row.BatchID != "b1" || row.Status != "done" || row.Position != int32(i) {
			t.Fatalf("row %d = %+v", i, row)
		}
		if row.ResultReference != batch.Results[i] || row.FailureReason != "" {
			t.Fatalf("row %d = %+v", i, row)
		}
		if row.ArchiveReference != batch.ArchiveReference {
			t.Fatalf("row %d archive = %q", i, row.ArchiveReference)
		}
	}
}

func TestBuildManifestFailuresFollowResults(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	rec := BuildManifest(mem, &types.Batch{
		BatchID:  "b2",
		Status:   types.BatchStatusFailedPartial,
		Results:  []string{"ref-a"},
		Failures: []string{"transcode a.mp4: exit status 1"},
	})
	defer rec.Release()

	rows, err := Rows(rec)
	if err != nil {
		t.Fatalf("Rows: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	if rows[1].Position != 1 || rows[1].ResultReference != "" || rows[1].FailureReason == "" {
		t.Fatalf("failure row = %+v", rows[1])
	}
	if rows[0].ArchiveReference != "" {
		t.Fatalf("archive reference should be null, got %q", rows[0].ArchiveReference)
	}
}

func TestBuildManifestEmptyBatch(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	rec := BuildManifest(mem, &types.Batch{BatchID: "b3", Status: types.BatchStatusQueued})
	defer rec.Release()
	if rec.NumRows() != 0 {
		t.Fatalf("rows = %d, want 0", rec.NumRows())
	}
}
