package flight

import (
	"fmt"

	"github.com/TFMV/clipbatch/internal/types"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// ManifestSchema describes one row per job outcome of a batch. Successful jobs
// carry result_reference, failed jobs carry failure_reason.
var ManifestSchema = arrow.NewSchema([]arrow.Field{
	{Name: "batch_id", Type: arrow.BinaryTypes.String},
	{Name: "status", Type: arrow.BinaryTypes.String},
	{Name: "position", Type: arrow.PrimitiveTypes.Int32},
	{Name: "result_reference", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "failure_reason", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "archive_reference", Type: arrow.BinaryTypes.String, Nullable: true},
}, nil)

// Row is one decoded manifest row.
type Row struct {
	BatchID          string
	Status           string
	Position         int32
	ResultReference  string
	FailureReason    string
	ArchiveReference string
}

// BuildManifest converts a batch snapshot into a record. Results come first in
// completion order, followed by failures. The caller releases the record.
func BuildManifest(mem memory.Allocator, batch *types.Batch) arrow.Record {
	b := array.NewRecordBuilder(mem, ManifestSchema)
	defer b.Release()

	ids := b.Field(0).(*array.StringBuilder)
	statuses := b.Field(1).(*array.StringBuilder)
	positions := b.Field(2).(*array.Int32Builder)
	results := b.Field(3).(*array.StringBuilder)
	failures := b.Field(4).(*array.StringBuilder)
	archives := b.Field(5).(*array.StringBuilder)

	appendRow := func(pos int, result, failure string) {
		ids.Append(batch.BatchID)
		statuses.Append(string(batch.Status))
		positions.Append(int32(pos))
		appendOptional(results, result)
		appendOptional(failures, failure)
		appendOptional(archives, batch.ArchiveReference)
	}

	pos := 0
	for _, ref := range batch.Results {
		appendRow(pos, ref, "")
		pos++
	}
	for _, reason := range batch.Failures {
		appendRow(pos, "", reason)
		pos++
	}

	return b.NewRecord()
}

func appendOptional(b *array.StringBuilder, v string) {
	if v == "" {
		b.AppendNull()
		return
	}
	b.Append(v)
}

// Rows decodes a manifest record.
func Rows(rec arrow.Record) ([]Row, error) {
	if !rec.Schema().Equal(ManifestSchema) {
		return nil, fmt.Errorf("unexpected manifest schema: %s", rec.Schema())
	}

	ids := rec.Column(0).(*array.String)
	statuses := rec.Column(1).(*array.String)
	positions := rec.Column(2).(*array.Int32)
	results := rec.Column(3).(*array.String)
	failures := rec.Column(4).(*array.String)
	archives := rec.Column(5).(*array.String)

	rows := make([]Row, rec.NumRows())
	for i := range rows {
		rows[i] = Row{
			BatchID:          ids.Value(i),
			Status:           statuses.Value(i),
			Position:         positions.Value(i),
			ResultReference:  optional(results, i),
			FailureReason:    optional(failures, i),
			ArchiveReference: optional(archives, i),
		}
	}
	return rows, nil
}

func optional(a *array.String, i int) string {
	if a.IsNull(i) {
		return ""
	}
	return a.Value(i)
}
