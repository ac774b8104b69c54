package timer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// GameLoopSink is the tick target for a GameLoop: typically a Stage's
// dedicated game-loop message path (spec.md §4.3's "specialized fixed
// timestep" sub-component), distinct from Sink because a game loop never
// self-cancels or reschedules via the Manager — it owns its own ticker.
type GameLoopSink interface {
	// EnqueueFixedTick delivers one fixed-timestep update, carrying the
	// number of steps to simulate this frame (>1 when catching up) and
	// the interpolation alpha for the leftover accumulator fraction. It
	// returns false once the owning stage is gone, telling the loop to
	// stop.
	EnqueueFixedTick(steps int, alpha float64) bool
}

// GameLoopConfig configures a fixed-timestep game loop (spec.md §4.3).
type GameLoopConfig struct {
	// StepDuration is the fixed simulation timestep (e.g. 1/60s).
	StepDuration time.Duration

	// MaxStepsPerFrame caps how many simulation steps a single frame
	// may catch up on. This is the "Spiral of Death" mitigation: if the
	// loop falls behind by more than this many steps, the accumulator
	// is clamped rather than allowed to demand an unbounded catch-up
	// burst (spec.md §8 testable property 8).
	MaxStepsPerFrame int
}

// DefaultGameLoopConfig returns a 60Hz loop capped at 5 catch-up steps.
func DefaultGameLoopConfig() GameLoopConfig {
	return GameLoopConfig{
		StepDuration:     time.Second / 60,
		MaxStepsPerFrame: 5,
	}
}

// GameLoop runs a fixed-timestep accumulator loop on its own goroutine,
// delivering EnqueueFixedTick calls to its Sink. It never invokes simulation
// code directly — exactly like Manager.fire, every tick crosses into stage
// territory only via the Sink's enqueue method (spec.md §4.3).
type GameLoop struct {
	cfg  GameLoopConfig
	sink GameLoopSink

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewGameLoop creates a game loop. Call Start to begin ticking.
func NewGameLoop(sink GameLoopSink, cfg GameLoopConfig) *GameLoop {
	if cfg.StepDuration <= 0 {
		cfg = DefaultGameLoopConfig()
	}
	if cfg.MaxStepsPerFrame <= 0 {
		cfg.MaxStepsPerFrame = DefaultGameLoopConfig().MaxStepsPerFrame
	}

	return &GameLoop{
		cfg:    cfg,
		sink:   sink,
		stopCh: make(chan struct{}),
	}
}

// Start begins the accumulator loop on a new goroutine. Safe to call once.
func (g *GameLoop) Start() {
	if !g.running.CompareAndSwap(false, true) {
		return
	}

	g.wg.Add(1)
	go g.run()
}

// Stop halts the loop and waits for its goroutine to exit.
func (g *GameLoop) Stop() {
	if !g.running.CompareAndSwap(true, false) {
		return
	}
	close(g.stopCh)
	g.wg.Wait()
}

func (g *GameLoop) run() {
	defer g.wg.Done()

	var accumulator time.Duration
	last := time.Now()

	ticker := time.NewTicker(g.cfg.StepDuration)
	defer ticker.Stop()

	for {
		select {
		case <-g.stopCh:
			return

		case now := <-ticker.C:
			frameTime := now.Sub(last)
			last = now

			accumulator += frameTime

			maxAccum := time.Duration(g.cfg.MaxStepsPerFrame) * g.cfg.StepDuration
			if accumulator > maxAccum {
				// Spiral-of-death clamp: drop the debt instead
				// of demanding an ever-larger catch-up burst
				// (spec.md §8 property 8).
				log.WarnS(context.Background(),
					"game loop accumulator clamped",
					nil, "dropped", accumulator-maxAccum)
				accumulator = maxAccum
			}

			steps := 0
			for accumulator >= g.cfg.StepDuration {
				accumulator -= g.cfg.StepDuration
				steps++
			}

			if steps == 0 {
				continue
			}

			alpha := float64(accumulator) / float64(g.cfg.StepDuration)
			if !g.sink.EnqueueFixedTick(steps, alpha) {
				return
			}
		}
	}
}
