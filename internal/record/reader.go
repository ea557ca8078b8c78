// Package record turns the automation engine's line-delimited output into
// structured records, one per line, preserving order.
package record

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	runerrors "github.com/gxo-labs/gxo-runner/pkg/runner/v1/errors"
	"github.com/gxo-labs/gxo-runner/pkg/runner/v1/lifecycle"
	runlog "github.com/gxo-labs/gxo-runner/pkg/runner/v1/log"
)

// Decode failure reasons.
const (
	ReasonNotJSON      = "not_json"
	ReasonTrailingData = "trailing_data"
	ReasonNotObject    = "not_object"
	ReasonMissingEvent = "missing_event"
	ReasonLineTooLong  = "line_too_long"
)

const (
	recordSeparator  = 0x1E
	readerBufferSize = 64 << 10
	defaultMaxLine   = 16 << 20
)

// Record is one decoded output line.
type Record struct {
	// Line is the 1-based output line the record was read from.
	Line int
	// Fields is the decoded JSON object. Numbers are json.Number.
	Fields map[string]interface{}
	// Raw is the line as received, without the line terminator.
	Raw []byte
	// ArrivedAt is when the line was read.
	ArrivedAt time.Time
}

// Option configures a Reader.
type Option func(*Reader)

// WithMaxLineBytes bounds a single line; longer lines are discarded.
func WithMaxLineBytes(n int) Option {
	return func(r *Reader) {
		if n > 0 {
			r.maxLine = n
		}
	}
}

// WithRunIdent tags lifecycle signals with the run's ident.
func WithRunIdent(ident string) Option {
	return func(r *Reader) { r.ident = ident }
}

// WithClock replaces time.Now for arrival timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Reader) { r.now = now }
}

// Reader decodes records from an output stream. A Reader is used by a
// single goroutine.
type Reader struct {
	br      *bufio.Reader
	log     runlog.Logger
	bus     lifecycle.Bus
	ident   string
	maxLine int
	now     func() time.Time

	buf      []byte
	line     int
	failures int
}

// NewReader wraps r. log and bus must be non-nil.
func NewReader(r io.Reader, log runlog.Logger, bus lifecycle.Bus, opts ...Option) *Reader {
	rd := &Reader{
		br:      bufio.NewReaderSize(r, readerBufferSize),
		log:     log.With("component", "RecordReader"),
		bus:     bus,
		maxLine: defaultMaxLine,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(rd)
	}
	return rd
}

// Run reads lines until EOF and calls fn for each decoded record, in order.
// Lines that do not decode are logged, signalled and skipped. Run returns
// nil at EOF, ctx.Err() if ctx is done between lines, fn's error, or a read
// error. A blocked read is only released by its writer closing the stream.
func (r *Reader) Run(ctx context.Context, fn func(Record) error) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, overlong, err := r.readLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("reading output line %d: %w", r.line+1, err)
		}
		r.line++
		arrived := r.now()

		if overlong {
			r.fail(runerrors.NewDecodeError(r.line, ReasonLineTooLong,
				fmt.Errorf("line exceeds %d bytes", r.maxLine)))
			continue
		}
		trimmed := trimLine(line)
		if len(bytes.TrimSpace(trimmed)) == 0 {
			continue
		}
		fields, derr := decode(r.line, trimmed)
		if derr != nil {
			r.fail(derr)
			continue
		}
		rec := Record{
			Line:      r.line,
			Fields:    fields,
			Raw:       bytes.Clone(trimmed),
			ArrivedAt: arrived,
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}

// Lines reports how many lines have been read.
func (r *Reader) Lines() int { return r.line }

// DecodeFailures reports how many lines were skipped as undecodable.
func (r *Reader) DecodeFailures() int { return r.failures }

func (r *Reader) fail(err *runerrors.DecodeError) {
	r.failures++
	r.log.Debugf("Skipping output line %d: %v", err.Line, err)
	r.bus.Emit(lifecycle.NewSignal(lifecycle.RecordDecodeFailed, r.ident, map[string]interface{}{
		"line":   err.Line,
		"reason": err.Reason,
	}))
}

// readLine returns the next line including its terminator. Lines longer
// than maxLine are consumed to their end and reported as overlong. The
// returned slice is only valid until the next call.
func (r *Reader) readLine() ([]byte, bool, error) {
	r.buf = r.buf[:0]
	overlong := false
	for {
		chunk, err := r.br.ReadSlice('\n')
		if !overlong {
			if len(r.buf)+len(bytes.TrimRight(chunk, "\r\n")) > r.maxLine {
				overlong = true
				r.buf = r.buf[:0]
			} else {
				r.buf = append(r.buf, chunk...)
			}
		}
		switch {
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if len(r.buf) > 0 || overlong {
				return r.buf, overlong, nil
			}
			return nil, false, io.EOF
		case err != nil:
			return nil, false, err
		}
		return r.buf, overlong, nil
	}
}

func trimLine(line []byte) []byte {
	line = bytes.TrimRight(line, "\r\n")
	return bytes.TrimPrefix(line, []byte{recordSeparator})
}

// decode parses exactly one JSON object carrying a non-empty string
// "event" key.
func decode(lineNo int, b []byte) (map[string]interface{}, *runerrors.DecodeError) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()

	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, runerrors.NewDecodeError(lineNo, ReasonNotJSON, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, runerrors.NewDecodeError(lineNo, ReasonTrailingData, nil)
	}
	fields, ok := v.(map[string]interface{})
	if !ok {
		return nil, runerrors.NewDecodeError(lineNo, ReasonNotObject, fmt.Errorf("got %T", v))
	}
	if ev, ok := fields["event"].(string); !ok || ev == "" {
		return nil, runerrors.NewDecodeError(lineNo, ReasonMissingEvent, nil)
	}
	return fields, nil
}
