// Package jobmetrics maps a raw Flink job detail document into JobMetrics.
//
// Extraction is purely structural: values keep whatever type the decoder
// produced, and range or type checks are left to the sanitizer.
package jobmetrics

// Document is a decoded JSON object as returned by GET /jobs/{id}.
type Document map[string]any

// Upstream field names in the job detail document.
const (
	FieldJobID          = "jid"
	FieldName           = "name"
	FieldState          = "state"
	FieldJobType        = "job-type"
	FieldIsStoppable    = "isStoppable"
	FieldStartTime      = "start-time"
	FieldEndTime        = "end-time"
	FieldDuration       = "duration"
	FieldMaxParallelism = "maxParallelism"
	FieldNow            = "now"
)

// JobMetrics is the normalized view of one job for one cycle. Fields are nil
// when absent from the document.
type JobMetrics struct {
	JobID          any
	JobName        any
	State          any
	JobType        any
	IsStoppable    any
	StartTime      any
	EndTime        any
	Duration       any
	MaxParallelism any
	Now            any
}

// Stoppable reports the stoppable flag, false when absent.
func (m JobMetrics) Stoppable() any {
	if m.IsStoppable == nil {
		return false
	}
	return m.IsStoppable
}

// Extract maps doc into JobMetrics. It never fails; a nil or empty document
// yields zero JobMetrics.
func Extract(doc Document) JobMetrics {
	if len(doc) == 0 {
		return JobMetrics{}
	}
	return JobMetrics{
		JobID:          doc[FieldJobID],
		JobName:        doc[FieldName],
		State:          doc[FieldState],
		JobType:        doc[FieldJobType],
		IsStoppable:    doc[FieldIsStoppable],
		StartTime:      doc[FieldStartTime],
		EndTime:        doc[FieldEndTime],
		Duration:       doc[FieldDuration],
		MaxParallelism: doc[FieldMaxParallelism],
		Now:            doc[FieldNow],
	}
}
