// Package types provides the common data types for the clipbatch pipeline.
package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// BatchStatus represents the possible states of a batch in the processing pipeline.
type BatchStatus string

const (
	// BatchStatusQueued indicates the batch still has jobs without a recorded outcome.
	BatchStatusQueued BatchStatus = "queued"

	// BatchStatusDone indicates every job of the batch produced a result.
	BatchStatusDone BatchStatus = "done"

	// BatchStatusFailedPartial indicates every job has an outcome but at least one failed.
	BatchStatusFailedPartial BatchStatus = "failed_partial"
)

// Terminal reports whether the status can no longer change.
func (s BatchStatus) Terminal() bool {
	return s == BatchStatusDone || s == BatchStatusFailedPartial
}

// Batch is a point-in-time snapshot of a batch registry entry.
type Batch struct {
	// BatchID is the unique identifier for the batch.
	BatchID string `json:"batchId"`

	// Status indicates the current status of the batch.
	Status BatchStatus `json:"status"`

	// Expected is the number of jobs submitted with the batch.
	Expected int `json:"expected"`

	// Completed is the number of jobs that produced a result.
	Completed int `json:"completed"`

	// Failed is the number of jobs that ended in failure.
	Failed int `json:"failed"`

	// Results holds result references in completion order.
	Results []string `json:"results"`

	// Failures holds one reason per failed job.
	Failures []string `json:"failures"`

	// ArchiveReference locates the batch archive once it has been built.
	ArchiveReference string `json:"archiveReference,omitempty"`

	// CreatedAt is when the batch was registered.
	CreatedAt time.Time `json:"createdAt"`
}

// Job is one file's trim work item within a batch.
type Job struct {
	JobID     string  `json:"jobId"`
	BatchID   string  `json:"batchId"`
	SourceKey string  `json:"key"`
	FileName  string  `json:"fileName"`
	Start     float64 `json:"start"`
	End       float64 `json:"end"`
}

// Validate checks the fields a worker relies on.
func (j Job) Validate() error {
	if j.JobID == "" || j.BatchID == "" || j.SourceKey == "" {
		return errors.New("job is missing an identifier")
	}
	if j.Start < 0 || j.End <= j.Start {
		return fmt.Errorf("job %s has invalid range %g-%g", j.JobID, j.Start, j.End)
	}
	return nil
}

// MarshalBinary converts the Job to its queue payload (JSON).
// This implements the encoding.BinaryMarshaler interface.
func (j Job) MarshalBinary() ([]byte, error) {
	return json.Marshal(j)
}

// UnmarshalBinary parses a queue payload into the Job.
// This implements the encoding.BinaryUnmarshaler interface.
func (j *Job) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, j)
}

// Outcome is the tagged result of a single job: either a result reference or a failure reason.
type Outcome struct {
	Reference string
	Reason    string
}

// Success returns an outcome carrying a result reference.
func Success(reference string) Outcome {
	return Outcome{Reference: reference}
}

// Failure returns an outcome carrying a failure reason.
func Failure(reason string) Outcome {
	if reason == "" {
		reason = "unknown failure"
	}
	return Outcome{Reason: reason}
}

// OK reports whether the outcome is a success.
func (o Outcome) OK() bool {
	return o.Reason == ""
}

// Transition reports what recording an outcome did to its batch.
type Transition struct {
	// Duplicate is true when the job had already been recorded.
	Duplicate bool

	// Closed is true when this call moved the batch out of queued.
	Closed bool

	// Status is the batch status after the call.
	Status BatchStatus
}

// Delivery is one item handed out by a reliable queue. It stays in the queue's
// processing list until acknowledged.
type Delivery struct {
	// Payload is the raw queued value.
	Payload string

	// Attempt counts how many times the payload has been handed out, starting at 1.
	Attempt int
}
