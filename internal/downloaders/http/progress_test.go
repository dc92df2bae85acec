package mfhttp

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProgressReporterThrottlesAndSmooths(t *testing.T) {
	events := &eventLog{}
	clock := &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	r := NewProgressReporter(events, "id-1", "model.tar")
	r.now = clock.now
	r.Reset("", 0, 1000)

	clock.advance(100 * time.Millisecond)
	r.Add(100)
	require.Len(t, events.events, 1)
	first := events.last()
	assert.Equal(t, EventProgress, first.Kind)
	assert.Equal(t, "id-1", first.TransferID)
	assert.Equal(t, "model.tar", first.FileName)
	assert.Equal(t, int64(100), first.Downloaded)
	assert.Equal(t, int64(1000), first.Total)
	assert.InDelta(t, 1000.0, first.BytesPerSecond, 0.001)

	// within the interval: folded into the next sample
	clock.advance(10 * time.Millisecond)
	r.Add(50)
	assert.Len(t, events.events, 1)

	clock.advance(90 * time.Millisecond)
	r.Add(50)
	require.Len(t, events.events, 2)
	second := events.last()
	assert.Equal(t, int64(200), second.Downloaded)
	// instantaneous 1000 B/s again
	assert.InDelta(t, 1000.0, second.BytesPerSecond, 0.001)
}

func TestProgressReporterIgnoresNegativeDeltaForRate(t *testing.T) {
	events := &eventLog{}
	clock := &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	r := NewProgressReporter(events, "id", "f")
	r.now = clock.now
	r.Reset("", 500, 1000)

	clock.advance(time.Second)
	r.Add(-300)
	ev := events.last()
	assert.Equal(t, int64(200), ev.Downloaded)
	assert.Zero(t, ev.BytesPerSecond, "a chunk reset is not negative throughput")

	r.Add(-1000)
	r.Flush()
	assert.Zero(t, events.last().Downloaded, "never below zero")
}

func TestProgressReporterTerminalEvents(t *testing.T) {
	events := &eventLog{}
	r := NewProgressReporter(events, "id", "f")
	r.Verify("checking")
	r.Clean("cleaning")
	r.Failed(errors.New("boom"))
	r.Cancelled("stopped")
	r.Completed("done")

	assert.Equal(t, []EventKind{EventVerify, EventClean, EventFail, EventCancel, EventComplete}, events.kinds())
	fail := events.events[2]
	assert.Equal(t, "boom", fail.Message)
	assert.EqualError(t, fail.Err, "boom")
	assert.ErrorIs(t, events.events[3].Err, ErrCancelled)
	assert.Equal(t, "stopped", events.events[3].Message)
}

func TestProgressReporterNilSink(t *testing.T) {
	r := NewProgressReporter(nil, "id", "f")
	assert.NotPanics(t, func() {
		r.Add(10)
		r.Flush()
		r.Completed("ok")
	})
	var calls int
	sink := SinkFunc(func(Event) { calls++ })
	NewProgressReporter(sink, "id", "f").Flush()
	assert.Equal(t, 1, calls)
}
