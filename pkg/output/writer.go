package output

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Writer outputs JSONL records for pipeline job commands.
//
// Implementations must be safe for concurrent use from multiple
// goroutines. Each Write* method emits a complete record as a
// single line of JSON followed by a newline.
type Writer interface {
	// WriteJob emits a pipeline job record.
	WriteJob(ctx context.Context, job *JobRecord) error

	// WriteTask emits a task record.
	WriteTask(ctx context.Context, task *TaskRecord) error

	// WriteState emits a state transition record.
	WriteState(ctx context.Context, state *StateRecord) error

	// WriteExperimentRow emits an experiment row record.
	WriteExperimentRow(ctx context.Context, row *ExperimentRowRecord) error

	// WriteRun emits a local run record.
	WriteRun(ctx context.Context, run *RunRecord) error

	// WriteError emits an error record.
	WriteError(ctx context.Context, err *ErrorRecord) error

	// Close flushes any buffered output and releases resources.
	Close() error
}

// JSONLWriter writes one envelope per line to an io.Writer. Lines from
// concurrent writers never interleave.
type JSONLWriter struct {
	mu     sync.Mutex
	w      io.Writer
	closed bool

	correlationID string
	location      string
	now           func() time.Time
}

// NewJSONLWriter stamps every record with correlationID and location (the
// region the command addressed, possibly empty).
func NewJSONLWriter(w io.Writer, correlationID, location string) *JSONLWriter {
	return &JSONLWriter{w: w, correlationID: correlationID, location: location, now: time.Now}
}

func (jw *JSONLWriter) WriteJob(ctx context.Context, job *JobRecord) error {
	return jw.writeRecord(ctx, TypeJob, job)
}

func (jw *JSONLWriter) WriteTask(ctx context.Context, task *TaskRecord) error {
	return jw.writeRecord(ctx, TypeTask, task)
}

func (jw *JSONLWriter) WriteState(ctx context.Context, state *StateRecord) error {
	return jw.writeRecord(ctx, TypeState, state)
}

func (jw *JSONLWriter) WriteExperimentRow(ctx context.Context, row *ExperimentRowRecord) error {
	return jw.writeRecord(ctx, TypeExperimentRow, row)
}

func (jw *JSONLWriter) WriteRun(ctx context.Context, run *RunRecord) error {
	return jw.writeRecord(ctx, TypeRun, run)
}

func (jw *JSONLWriter) WriteError(ctx context.Context, err *ErrorRecord) error {
	return jw.writeRecord(ctx, TypeError, err)
}

// Close rejects further writes. The underlying writer is left open.
func (jw *JSONLWriter) Close() error {
	jw.mu.Lock()
	jw.closed = true
	jw.mu.Unlock()
	return nil
}

func (jw *JSONLWriter) writeRecord(ctx context.Context, recordType string, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return &WriteError{Op: "marshal_data", Err: err}
	}

	jw.mu.Lock()
	defer jw.mu.Unlock()
	if jw.closed {
		return ErrWriterClosed
	}

	line, err := json.Marshal(Record{
		Type:          recordType,
		TS:            jw.now().UTC(),
		CorrelationID: jw.correlationID,
		Location:      jw.location,
		Data:          payload,
	})
	if err != nil {
		return &WriteError{Op: "marshal_record", Err: err}
	}
	if err := writeAll(jw.w, append(line, '\n')); err != nil {
		return &WriteError{Op: "write", Err: err}
	}
	return nil
}

// writeAll loops over short writes so a record is never truncated.
func writeAll(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

var _ Writer = (*JSONLWriter)(nil)
