package store_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gxo-labs/gxo-runner/internal/store"
	runner "github.com/gxo-labs/gxo-runner/pkg/runner/v1"
	runerrors "github.com/gxo-labs/gxo-runner/pkg/runner/v1/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func event(i int) runner.Event {
	return runner.Event{
		"event":      "runner_on_ok",
		"uuid":       fmt.Sprintf("00000000-0000-4000-8000-%012d", i),
		"counter":    int64(i + 1),
		"event_data": map[string]interface{}{"host": "localhost", "res": map[string]interface{}{"changed": false}},
	}
}

func collect(s *store.Store) []string {
	var ids []string
	for _, ev := range s.All() {
		ids = append(ids, ev.UUID())
	}
	return ids
}

func TestStore_AppendAndRead(t *testing.T) {
	s := store.New()
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Append(event(i), nil))
	}

	assert.Equal(t, 3, s.Len())
	ev, ok := s.At(1)
	require.True(t, ok)
	assert.Equal(t, event(1).UUID(), ev.UUID())
	_, ok = s.At(3)
	assert.False(t, ok)
	_, ok = s.At(-1)
	assert.False(t, ok)

	first := collect(s)
	second := collect(s)
	assert.Equal(t, first, second, "re-iteration yields the same sequence")
	assert.Len(t, first, 3)
	assert.Len(t, s.Snapshot(), 3)
}

func TestStore_ReadersGetCopies(t *testing.T) {
	s := store.New()
	require.NoError(t, s.Append(event(0), nil))

	ev, _ := s.At(0)
	ev["event"] = "tampered"
	ev.EventData()["host"] = "tampered"
	for _, snap := range s.Snapshot() {
		snap["uuid"] = "tampered"
	}

	again, _ := s.At(0)
	assert.Equal(t, "runner_on_ok", again.Type())
	assert.Equal(t, "localhost", again.EventData()["host"])
	assert.Equal(t, event(0).UUID(), again.UUID())
}

func TestStore_IterationObservesAppends(t *testing.T) {
	s := store.New()
	require.NoError(t, s.Append(event(0), nil))

	var seen []int
	for i := range s.All() {
		seen = append(seen, i)
		if i == 0 {
			require.NoError(t, s.Append(event(1), nil))
		}
	}
	assert.Equal(t, []int{0, 1}, seen)
}

func TestStore_AppendAfterClose(t *testing.T) {
	s := store.New()
	s.Close()
	s.Close()
	assert.ErrorIs(t, s.Append(event(0), nil), store.ErrClosed)
	select {
	case <-s.Done():
	default:
		t.Fatal("Done not closed")
	}
}

func TestStore_MarshalJSON(t *testing.T) {
	s := store.New()
	empty, err := json.Marshal(s)
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(empty))

	require.NoError(t, s.Append(event(0), json.RawMessage(`{"event":"a","uuid":"u1"}`)))
	require.NoError(t, s.Append(event(1), nil))

	doc, err := json.Marshal(s)
	require.NoError(t, err)
	var decoded []map[string]interface{}
	require.NoError(t, json.Unmarshal(doc, &decoded))
	require.Len(t, decoded, 2)
	assert.Equal(t, "u1", decoded[0]["uuid"], "stored encoding is reused verbatim")
	assert.Equal(t, event(1).UUID(), decoded[1]["uuid"])
}

func TestStore_FollowStreamsUntilClose(t *testing.T) {
	s := store.New()
	require.NoError(t, s.Append(event(0), nil))

	got := make(chan string, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range s.Follow(context.Background()) {
			got <- ev.UUID()
		}
	}()

	assert.Equal(t, event(0).UUID(), waitFor(t, got))
	require.NoError(t, s.Append(event(1), nil))
	assert.Equal(t, event(1).UUID(), waitFor(t, got))

	require.NoError(t, s.Append(event(2), nil))
	s.Close()
	assert.Equal(t, event(2).UUID(), waitFor(t, got))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("follower did not stop after close")
	}
}

func TestStore_FollowStopsOnContext(t *testing.T) {
	s := store.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan int)
	go func() {
		n := 0
		for range s.Follow(ctx) {
			n++
		}
		done <- n
	}()
	cancel()
	select {
	case n := <-done:
		assert.Zero(t, n)
	case <-time.After(5 * time.Second):
		t.Fatal("follower ignored context cancellation")
	}
}

func TestStore_ConcurrentReadersSeeOrderedPrefix(t *testing.T) {
	const total = 2000
	s := store.New()

	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			followed := 0
			for range s.Follow(context.Background()) {
				followed++
			}
			assert.Equal(t, total, followed)
			ids := collect(s)
			assert.Len(t, ids, total)
			for i, id := range ids {
				if id != event(i).UUID() {
					t.Errorf("position %d holds %s", i, id)
					return
				}
			}
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			prev := -1
			for i, ev := range s.All() {
				c, _ := ev.Counter()
				assert.Equal(t, int64(i+1), c)
				assert.Equal(t, prev+1, i)
				prev = i
			}
		}()
	}

	for i := 0; i < total; i++ {
		require.NoError(t, s.Append(event(i), nil))
	}
	s.Close()
	wg.Wait()
}

func waitFor(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for followed event")
		return ""
	}
}

func TestStore_AppendUnencodableEvent(t *testing.T) {
	s := store.New()
	err := s.Append(runner.Event{"event": "x", "bad": make(chan int)}, nil)

	var serr *runerrors.SerializationError
	require.True(t, errors.As(err, &serr), "got %v", err)
	assert.Equal(t, "x", serr.EventType)
	assert.Zero(t, s.Len(), "nothing is stored")
}
