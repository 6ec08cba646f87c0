package demo

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/simwatch"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// startWorld runs w until the test ends and returns its manual tick channel.
func startWorld(t *testing.T, w *World) chan time.Time {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	ticks := make(chan time.Time)
	done := make(chan struct{})
	go func() {
		w.Run(ctx, ticks)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	require.Eventually(t, w.Available, time.Second, time.Millisecond)
	return ticks
}

func snapshot(t *testing.T, w *World) Snapshot {
	t.Helper()
	data, err := w.Snapshot(context.Background())
	require.NoError(t, err)
	var s Snapshot
	require.NoError(t, json.Unmarshal(data, &s))
	return s
}

// apply runs cmd through the task queue the way the dispatcher does.
func apply(t *testing.T, w *World, cmd simwatch.Command) error {
	t.Helper()
	errCh := make(chan error, 1)
	require.NoError(t, w.Execute(func() { errCh <- w.Apply(cmd) }))
	return <-errCh
}

func TestWorldStoppedRejectsTasks(t *testing.T) {
	t.Parallel()

	w := NewWorld(Options{Targets: []string{"Alex"}})

	assert.False(t, w.Available())
	assert.ErrorIs(t, w.Execute(func() {}), ErrWorldStopped)
	_, err := w.Snapshot(context.Background())
	assert.ErrorIs(t, err, ErrWorldStopped)
}

func TestWorldSnapshot(t *testing.T) {
	t.Parallel()

	w := NewWorld(Options{
		Targets: []string{"Sam", "Alex"},
		Now:     func() time.Time { return fixedNow },
	})
	startWorld(t, w)

	s := snapshot(t, w)
	assert.Equal(t, fixedNow.UnixMilli(), s.Timestamp)
	assert.Equal(t, DefaultTuning(), s.Config)
	require.Len(t, s.Targets, 2)
	assert.Equal(t, "Alex", s.Targets[0].Name)
	assert.Equal(t, "Sam", s.Targets[1].Name)
}

func TestWorldApply(t *testing.T) {
	t.Parallel()

	w := NewWorld(Options{Targets: []string{"Alex"}})
	startWorld(t, w)

	require.NoError(t, apply(t, w, simwatch.Command{Action: simwatch.ActionSet, Target: "alex", Value: 3}))
	assert.Equal(t, 3, snapshot(t, w).Targets[0].Level)

	require.NoError(t, apply(t, w, simwatch.Command{Action: simwatch.ActionAdd, Target: "ALEX", Value: 150}))
	got := snapshot(t, w).Targets[0]
	assert.Equal(t, 4, got.Level)
	assert.InDelta(t, 450, got.Exposure, 0.001)

	require.NoError(t, apply(t, w, simwatch.Command{Action: simwatch.ActionSet, Target: "Alex", Value: 99}))
	assert.Equal(t, DefaultTuning().MaxLevel, snapshot(t, w).Targets[0].Level, "levels are clamped")

	require.NoError(t, apply(t, w, simwatch.Command{Action: simwatch.ActionClear, Target: "Alex"}))
	assert.Zero(t, snapshot(t, w).Targets[0].Exposure)

	require.NoError(t, apply(t, w, simwatch.Command{Action: simwatch.ActionAdd, Target: "Alex", Value: -50}))
	assert.Zero(t, snapshot(t, w).Targets[0].Exposure, "exposure never goes negative")
}

func TestWorldApplyUnknownTarget(t *testing.T) {
	t.Parallel()

	w := NewWorld(Options{Targets: []string{"Alex"}})
	startWorld(t, w)

	err := apply(t, w, simwatch.Command{Action: simwatch.ActionClear, Target: "nobody"})
	assert.ErrorIs(t, err, simwatch.ErrUnknownTarget)
}

func TestWorldStep(t *testing.T) {
	t.Parallel()

	tuning := Tuning{ExposurePerLevel: 10, MaxLevel: 5, BuildupRate: 5, DecayRate: 2, DecayDelay: 1}
	w := NewWorld(Options{Targets: []string{"hot", "cold"}, HotTargets: []string{"hot"}, Tuning: tuning})
	ticks := startWorld(t, w)

	require.NoError(t, apply(t, w, simwatch.Command{Action: simwatch.ActionSet, Target: "cold", Value: 1}))
	for i := 0; i < 3; i++ {
		ticks <- time.Now()
	}

	s := snapshot(t, w)
	assert.Equal(t, uint64(3), s.Step)
	// hot: 3 steps of buildup
	assert.InDelta(t, 15, s.Targets[1].Exposure, 0.001)
	assert.Equal(t, 1, s.Targets[1].Level)
	// cold: decay starts after the one step delay
	assert.InDelta(t, 6, s.Targets[0].Exposure, 0.001)
}

func TestWorldQueueFull(t *testing.T) {
	t.Parallel()

	w := NewWorld(Options{QueueSize: 1})
	startWorld(t, w)

	block := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, w.Execute(func() { close(started); <-block }))
	<-started

	require.NoError(t, w.Execute(func() {}))
	assert.ErrorIs(t, w.Execute(func() {}), ErrQueueFull)
	close(block)
}

func TestWorldConfigSummary(t *testing.T) {
	t.Parallel()

	w := NewWorld(Options{})
	data, err := json.Marshal(w.ConfigSummary())
	require.NoError(t, err)
	assert.JSONEq(t, `{"exposurePerLevel":100,"maxLevel":10,"buildupRate":2,"decayRate":1,"decayDelaySteps":20}`, string(data))
}
