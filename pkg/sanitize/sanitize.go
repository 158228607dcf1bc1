// Package sanitize turns untrusted JobMetrics into a storage-safe snapshot.
//
// Out-of-range or mistyped numeric fields are dropped (set to nil) with a
// warning; the record itself is kept. String fields are coerced and
// truncated to their column widths.
package sanitize

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/3leaps/flinkwatch/pkg/jobmetrics"
	"github.com/3leaps/flinkwatch/pkg/snapshotstore"
)

// Column widths, in characters.
const (
	MaxJobIDLen    = 100
	MaxJobNameLen  = 255
	MaxJobStateLen = 50
	MaxJobTypeLen  = 50
)

// ErrSanitize wraps unexpected failures while building a snapshot.
var ErrSanitize = errors.New("sanitize job data")

// Warning describes a field that was dropped.
type Warning struct {
	Field  string
	Value  any
	Reason string
}

func (w Warning) String() string {
	return fmt.Sprintf("%s: %s (value %v)", w.Field, w.Reason, w.Value)
}

const (
	reasonTooLarge    = "too large"
	reasonTooSmall    = "too small"
	reasonInvalidType = "invalid type"
)

// Sanitizer validates and normalizes job metrics.
type Sanitizer struct {
	logger *zap.Logger
}

// New returns a Sanitizer that logs warnings to logger (nil disables logging).
func New(logger *zap.Logger) *Sanitizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sanitizer{logger: logger}
}

// Sanitize builds the snapshot for one job on clusterName.
//
// Dropped fields are returned as warnings and logged at WARN. The error is
// non-nil only for unexpected failures (such as an unencodable details
// document); the caller should skip the job in that case.
func (s *Sanitizer) Sanitize(clusterName string, m jobmetrics.JobMetrics, details jobmetrics.Document) (snap snapshotstore.Snapshot, warnings []Warning, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Job data sanitization panicked",
				zap.String("cluster", clusterName),
				zap.String("input", fmt.Sprintf("%+v", m)),
				zap.Any("panic", r),
			)
			snap, warnings, err = snapshotstore.Snapshot{}, nil, fmt.Errorf("%w: %v", ErrSanitize, r)
		}
	}()

	snap = snapshotstore.Snapshot{
		ClusterName: clusterName,
		IsStoppable: truthy(m.Stoppable()),
	}

	if id := coerceString(m.JobID); id != nil {
		snap.JobID = truncate(*id, MaxJobIDLen)
	}
	snap.JobName = truncatePtr(coerceString(m.JobName), MaxJobNameLen)
	snap.JobType = truncatePtr(coerceString(m.JobType), MaxJobTypeLen)
	if state := coerceString(m.State); state != nil && *state != "" {
		snap.JobState = truncate(*state, MaxJobStateLen)
	} else {
		snap.JobState = snapshotstore.StateUnknown
	}

	int64Fields := []struct {
		name string
		raw  any
		dst  **int64
	}{
		{"job_start_time", m.StartTime, &snap.JobStartTime},
		{"job_end_time", m.EndTime, &snap.JobEndTime},
		{"job_duration", m.Duration, &snap.JobDuration},
	}
	for _, f := range int64Fields {
		if f.raw == nil {
			continue
		}
		v, reason := toInt64(f.raw)
		if reason != "" {
			warnings = append(warnings, Warning{Field: f.name, Value: f.raw, Reason: reason})
			continue
		}
		*f.dst = &v
	}

	if m.MaxParallelism != nil {
		v, reason := toInt32(m.MaxParallelism)
		if reason != "" {
			warnings = append(warnings, Warning{Field: "max_parallelism", Value: m.MaxParallelism, Reason: reason})
		} else {
			snap.MaxParallelism = &v
		}
	}

	if details != nil {
		raw, err := json.Marshal(details)
		if err != nil {
			s.logger.Error("Failed to encode job details",
				zap.String("cluster", clusterName),
				zap.String("job_id", snap.JobID),
				zap.String("input", fmt.Sprintf("%v", details)),
				zap.Error(err),
			)
			return snapshotstore.Snapshot{}, warnings, fmt.Errorf("%w: encode job details: %v", ErrSanitize, err)
		}
		snap.JobDetails = raw
	}

	for _, w := range warnings {
		s.logger.Warn("Dropping invalid job field",
			zap.String("cluster", clusterName),
			zap.String("job_id", snap.JobID),
			zap.String("field", w.Field),
			zap.String("reason", w.Reason),
			zap.String("value", fmt.Sprintf("%v", w.Value)),
		)
	}

	return snap, warnings, nil
}

// int64 bounds as float64: 2^63 is exactly representable, MaxInt64 is not.
const (
	maxInt64Float = 9223372036854775808.0
	minInt64Float = -9223372036854775808.0
)

// toInt64 converts a decoded numeric value. A non-empty reason means the
// value must be dropped.
func toInt64(v any) (int64, string) {
	switch n := v.(type) {
	case json.Number:
		if i, err := strconv.ParseInt(string(n), 10, 64); err == nil {
			return i, ""
		}
		f, err := strconv.ParseFloat(string(n), 64)
		if err != nil && !errors.Is(err, strconv.ErrRange) {
			return 0, reasonInvalidType
		}
		return floatToInt64(f)
	case int:
		return int64(n), ""
	case int8:
		return int64(n), ""
	case int16:
		return int64(n), ""
	case int32:
		return int64(n), ""
	case int64:
		return n, ""
	case uint:
		return uintToInt64(uint64(n))
	case uint8:
		return int64(n), ""
	case uint16:
		return int64(n), ""
	case uint32:
		return int64(n), ""
	case uint64:
		return uintToInt64(n)
	case float32:
		return floatToInt64(float64(n))
	case float64:
		return floatToInt64(n)
	default:
		// bool, string, objects and arrays are not numbers.
		return 0, reasonInvalidType
	}
}

func uintToInt64(u uint64) (int64, string) {
	if u > math.MaxInt64 {
		return 0, reasonTooLarge
	}
	return int64(u), ""
}

func floatToInt64(f float64) (int64, string) {
	switch {
	case math.IsNaN(f):
		return 0, reasonInvalidType
	case f >= maxInt64Float:
		return 0, reasonTooLarge
	case f < minInt64Float:
		return 0, reasonTooSmall
	}
	return int64(f), ""
}

func toInt32(v any) (int32, string) {
	i, reason := toInt64(v)
	if reason != "" {
		return 0, reason
	}
	if i > math.MaxInt32 {
		return 0, reasonTooLarge
	}
	if i < math.MinInt32 {
		return 0, reasonTooSmall
	}
	return int32(i), ""
}

func coerceString(v any) *string {
	switch s := v.(type) {
	case nil:
		return nil
	case string:
		return &s
	case json.Number:
		str := s.String()
		return &str
	default:
		str := fmt.Sprintf("%v", v)
		return &str
	}
}

// truncate cuts s to at most n characters.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

func truncatePtr(s *string, n int) *string {
	if s == nil {
		return nil
	}
	t := truncate(*s, n)
	return &t
}

func truthy(v any) bool {
	switch b := v.(type) {
	case nil:
		return false
	case bool:
		return b
	case string:
		return b != ""
	case json.Number:
		f, err := b.Float64()
		return err != nil || f != 0
	case float64:
		return b != 0
	case float32:
		return b != 0
	case map[string]any:
		return len(b) > 0
	case []any:
		return len(b) > 0
	default:
		if i, reason := toInt64(v); reason == "" {
			return i != 0
		}
		return true
	}
}
