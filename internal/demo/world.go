// Package demo is a small exposure simulation used to exercise the debug server.
//
// All state is owned by the goroutine running World.Run. Other goroutines reach it
// only through the task queue, which is exactly how the debug server's dispatcher
// delivers commands.
package demo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/luciancaetano/simwatch"
	"github.com/luciancaetano/simwatch/internal/logging"
)

var (
	ErrWorldStopped = errors.New("world is not running")
	ErrQueueFull    = errors.New("world task queue is full")
)

// Tuning holds the simulation constants.
type Tuning struct {
	// ExposurePerLevel is the exposure needed for one level.
	ExposurePerLevel float64 `json:"exposurePerLevel"`
	MaxLevel         int     `json:"maxLevel"`
	// BuildupRate is the exposure gained per step by targets in a hot zone.
	BuildupRate float64 `json:"buildupRate"`
	// DecayRate is the exposure lost per step once DecayDelay steps passed without gain.
	DecayRate  float64 `json:"decayRate"`
	DecayDelay int     `json:"decayDelaySteps"`
}

// DefaultTuning returns the tuning used by the demo host.
func DefaultTuning() Tuning {
	return Tuning{
		ExposurePerLevel: 100,
		MaxLevel:         10,
		BuildupRate:      2,
		DecayRate:        1,
		DecayDelay:       20,
	}
}

// Options configures a World.
type Options struct {
	Targets []string
	// HotTargets accumulate exposure every step.
	HotTargets []string
	Tuning     Tuning
	QueueSize  int
	Logger     *slog.Logger
	// Now is the clock stamped into snapshots.
	Now func() time.Time
}

type target struct {
	name         string
	exposure     float64
	hot          bool
	stepsSinceUp int
}

// TargetSnapshot is one target in a snapshot.
type TargetSnapshot struct {
	Name     string  `json:"name"`
	Level    int     `json:"level"`
	Exposure float64 `json:"exposure"`
	Hot      bool    `json:"hot"`
}

// Snapshot is the JSON document pushed to observers.
type Snapshot struct {
	Timestamp int64            `json:"timestamp"`
	Step      uint64           `json:"step"`
	Targets   []TargetSnapshot `json:"targets"`
	Config    Tuning           `json:"config"`
}

// World implements simwatch.Host and simwatch.ConfigReporter.
type World struct {
	tuning Tuning
	tasks  chan func()
	now    func() time.Time
	logger *slog.Logger

	running atomic.Bool

	// owned by the Run goroutine
	targets map[string]*target
	step    uint64
}

var (
	_ simwatch.Host           = (*World)(nil)
	_ simwatch.ConfigReporter = (*World)(nil)
)

// NewWorld creates a world. It accepts tasks only once Run is going.
func NewWorld(opts Options) *World {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.Tuning == (Tuning{}) {
		opts.Tuning = DefaultTuning()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	w := &World{
		tuning:  opts.Tuning,
		tasks:   make(chan func(), opts.QueueSize),
		now:     opts.Now,
		logger:  logging.OrNop(opts.Logger),
		targets: make(map[string]*target),
	}
	for _, name := range opts.Targets {
		w.targets[strings.ToLower(name)] = &target{name: name}
	}
	for _, name := range opts.HotTargets {
		if t, ok := w.targets[strings.ToLower(name)]; ok {
			t.hot = true
		}
	}
	return w
}

// Run owns the world state. It drains the task queue and advances the simulation
// on every tick until ctx is done. A nil ticks channel never steps.
func (w *World) Run(ctx context.Context, ticks <-chan time.Time) {
	w.running.Store(true)
	defer w.running.Store(false)

	for {
		select {
		case <-ctx.Done():
			return
		case task := <-w.tasks:
			task()
		case <-ticks:
			w.advance()
		}
	}
}

// Available reports whether the world is running.
func (w *World) Available() bool {
	return w.running.Load()
}

// Execute queues task for the owning goroutine without blocking.
func (w *World) Execute(task func()) error {
	if !w.running.Load() {
		return ErrWorldStopped
	}
	select {
	case w.tasks <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// Apply mutates one target. It must run on the owning goroutine.
func (w *World) Apply(cmd simwatch.Command) error {
	t, ok := w.targets[strings.ToLower(cmd.Target)]
	if !ok {
		return fmt.Errorf("%w: %s", simwatch.ErrUnknownTarget, cmd.Target)
	}

	switch cmd.Action {
	case simwatch.ActionSet:
		level := min(max(cmd.Value, 0), w.tuning.MaxLevel)
		t.exposure = float64(level) * w.tuning.ExposurePerLevel
	case simwatch.ActionAdd:
		t.exposure = w.clampExposure(t.exposure + float64(cmd.Value))
		if cmd.Value > 0 {
			t.stepsSinceUp = 0
		}
	case simwatch.ActionClear:
		t.exposure = 0
	default:
		return fmt.Errorf("unsupported action %q", cmd.Action)
	}

	w.logger.Info("command applied", "action", cmd.Action, "target", t.name, "level", w.level(t))
	return nil
}

// Snapshot serializes the world on the owning goroutine.
func (w *World) Snapshot(ctx context.Context) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}
	out := make(chan result, 1)

	if err := w.Execute(func() {
		data, err := json.Marshal(w.snapshot())
		out <- result{data, err}
	}); err != nil {
		return nil, err
	}

	select {
	case r := <-out:
		return r.data, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ConfigSummary returns the tuning for GET /api/config.
func (w *World) ConfigSummary() any {
	return w.tuning
}

func (w *World) snapshot() Snapshot {
	s := Snapshot{
		Timestamp: w.now().UnixMilli(),
		Step:      w.step,
		Targets:   make([]TargetSnapshot, 0, len(w.targets)),
		Config:    w.tuning,
	}
	for _, t := range w.targets {
		s.Targets = append(s.Targets, TargetSnapshot{
			Name:     t.name,
			Level:    w.level(t),
			Exposure: math.Round(t.exposure*100) / 100,
			Hot:      t.hot,
		})
	}
	sort.Slice(s.Targets, func(i, j int) bool { return s.Targets[i].Name < s.Targets[j].Name })
	return s
}

func (w *World) advance() {
	w.step++
	for _, t := range w.targets {
		if t.hot {
			t.exposure = w.clampExposure(t.exposure + w.tuning.BuildupRate)
			t.stepsSinceUp = 0
			continue
		}
		t.stepsSinceUp++
		if t.stepsSinceUp > w.tuning.DecayDelay {
			t.exposure = w.clampExposure(t.exposure - w.tuning.DecayRate)
		}
	}
}

func (w *World) level(t *target) int {
	return min(int(t.exposure/w.tuning.ExposurePerLevel), w.tuning.MaxLevel)
}

func (w *World) clampExposure(v float64) float64 {
	limit := float64(w.tuning.MaxLevel) * w.tuning.ExposurePerLevel
	return math.Min(math.Max(v, 0), limit)
}
