package stage

// StageID satisfies internal/timer.Sink, letting the Timer Manager route
// CancelAllFor(stage_id) sweeps without importing package stage.
func (s *Stage) StageID() int64 { return s.ID }

// EnqueueTimerTick satisfies internal/timer.Sink: every tick crosses into
// stage territory only as a TimerMessage enqueued for in-loop dispatch,
// never as a direct invocation of fire on the timer goroutine (spec.md
// §4.3).
func (s *Stage) EnqueueTimerTick(timerID uint64, fire func()) bool {
	return s.Enqueue(TimerMessage{TimerID: timerID, Fire: fire})
}

// EnqueueFixedTick satisfies internal/timer.GameLoopSink.
func (s *Stage) EnqueueFixedTick(steps int, alpha float64) bool {
	return s.gameLoopFire(steps, alpha)
}

// EnqueueAsync satisfies internal/worker.Sink: a pool job's post-callback
// is wrapped in an AsyncMessage and enqueued for in-loop execution, the
// same path every other producer uses (spec.md §4.8).
func (s *Stage) EnqueueAsync(fn func()) bool {
	return s.Enqueue(AsyncMessage{Post: fn})
}
