package record_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/gxo-labs/gxo-runner/internal/lifecycle"
	"github.com/gxo-labs/gxo-runner/internal/logger"
	"github.com/gxo-labs/gxo-runner/internal/record"
	sig "github.com/gxo-labs/gxo-runner/pkg/runner/v1/lifecycle"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readAll(t *testing.T, input string, opts ...record.Option) ([]record.Record, *lifecycle.RecordingBus, *record.Reader) {
	t.Helper()
	bus := lifecycle.NewRecordingBus()
	r := record.NewReader(strings.NewReader(input), logger.NewNop(), bus, opts...)
	var recs []record.Record
	require.NoError(t, r.Run(context.Background(), func(rec record.Record) error {
		recs = append(recs, rec)
		return nil
	}))
	return recs, bus, r
}

func TestReader_DecodesInOrderAndSkipsJunk(t *testing.T) {
	input := strings.Join([]string{
		`{"event":"playbook_on_start","uuid":"a"}`,
		`PLAY [all] *****`,
		``,
		`{"event":"runner_on_ok","counter":2}` + "\r",
		`[1,2,3]`,
		`{"uuid":"no-event"}`,
		`{"event":""}`,
		`{"event":"x"} {"event":"y"}`,
		"\x1e" + `{"event":"playbook_on_stats"}`,
	}, "\n")

	recs, bus, r := readAll(t, input)

	require.Len(t, recs, 3)
	assert.Equal(t, "playbook_on_start", recs[0].Fields["event"])
	assert.Equal(t, 1, recs[0].Line)
	assert.Equal(t, "runner_on_ok", recs[1].Fields["event"])
	assert.Equal(t, 4, recs[1].Line)
	assert.Equal(t, json.Number("2"), recs[1].Fields["counter"])
	assert.Equal(t, `{"event":"runner_on_ok","counter":2}`, string(recs[1].Raw))
	assert.Equal(t, "playbook_on_stats", recs[2].Fields["event"])
	assert.Equal(t, 9, recs[2].Line)

	assert.Equal(t, 9, r.Lines())
	assert.Equal(t, 5, r.DecodeFailures())
	assert.Equal(t, 5, bus.Count(sig.RecordDecodeFailed))

	var reasons []string
	for _, s := range bus.Signals() {
		reasons = append(reasons, s.Payload["reason"].(string))
	}
	assert.Equal(t, []string{
		record.ReasonNotJSON, record.ReasonNotObject, record.ReasonMissingEvent,
		record.ReasonMissingEvent, record.ReasonTrailingData,
	}, reasons)
}

func TestReader_FinalLineWithoutNewline(t *testing.T) {
	recs, _, _ := readAll(t, "{\"event\":\"a\"}\n{\"event\":\"b\"}")
	require.Len(t, recs, 2)
	assert.Equal(t, "b", recs[1].Fields["event"])
}

func TestReader_OverlongLineIsDiscarded(t *testing.T) {
	long := `{"event":"big","stdout":"` + strings.Repeat("x", 200) + `"}`
	input := long + "\n" + `{"event":"small"}` + "\n"

	recs, bus, r := readAll(t, input, record.WithMaxLineBytes(64))

	require.Len(t, recs, 1)
	assert.Equal(t, "small", recs[0].Fields["event"])
	assert.Equal(t, 2, recs[0].Line)
	assert.Equal(t, 1, r.DecodeFailures())
	require.Equal(t, 1, bus.Count(sig.RecordDecodeFailed))
	assert.Equal(t, record.ReasonLineTooLong, bus.Signals()[0].Payload["reason"])
}

func TestReader_LongLineWithinLimitSpansBuffers(t *testing.T) {
	stdout := strings.Repeat("y", 200<<10)
	recs, _, _ := readAll(t, `{"event":"big","stdout":"`+stdout+`"}`+"\n")
	require.Len(t, recs, 1)
	assert.Equal(t, stdout, recs[0].Fields["stdout"])
}

func TestReader_ArrivalClockAndIdent(t *testing.T) {
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	bus := lifecycle.NewRecordingBus()
	r := record.NewReader(strings.NewReader("junk\n{\"event\":\"a\"}\n"), logger.NewNop(), bus,
		record.WithClock(func() time.Time { return fixed }), record.WithRunIdent("run-42"))

	var got record.Record
	require.NoError(t, r.Run(context.Background(), func(rec record.Record) error {
		got = rec
		return nil
	}))
	assert.Equal(t, fixed, got.ArrivedAt)
	require.Len(t, bus.Signals(), 1)
	assert.Equal(t, "run-42", bus.Signals()[0].RunIdent)
}

func TestReader_CallbackErrorStops(t *testing.T) {
	stop := errors.New("stop")
	r := record.NewReader(strings.NewReader("{\"event\":\"a\"}\n{\"event\":\"b\"}\n"), logger.NewNop(), lifecycle.NewRecordingBus())
	calls := 0
	err := r.Run(context.Background(), func(record.Record) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func TestReader_ContextCanceledBetweenLines(t *testing.T) {
	pr, pw := io.Pipe()
	r := record.NewReader(pr, logger.NewNop(), lifecycle.NewRecordingBus())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- r.Run(ctx, func(record.Record) error {
			cancel()
			return nil
		})
	}()

	_, err := pw.Write([]byte("{\"event\":\"a\"}\n"))
	require.NoError(t, err)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("reader did not observe cancellation")
	}
	pw.Close()
}

func TestReader_IncrementalDelivery(t *testing.T) {
	pr, pw := io.Pipe()
	r := record.NewReader(pr, logger.NewNop(), lifecycle.NewRecordingBus())
	got := make(chan string, 4)
	done := make(chan error, 1)
	go func() {
		done <- r.Run(context.Background(), func(rec record.Record) error {
			got <- rec.Fields["event"].(string)
			return nil
		})
	}()

	_, _ = pw.Write([]byte("{\"event\":\"first\"}\n"))
	select {
	case ev := <-got:
		assert.Equal(t, "first", ev)
	case <-time.After(5 * time.Second):
		t.Fatal("record not delivered before stream end")
	}
	_, _ = pw.Write([]byte("{\"event\":\"second\"}\n"))
	require.NoError(t, pw.Close())
	require.NoError(t, <-done)
	assert.Equal(t, "second", <-got)
}
