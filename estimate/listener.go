package estimate

// Listener observes the lifecycle of an estimation run. All callbacks fire
// synchronously on the calling goroutine, strictly ordered start -> zero or
// more progress -> end, exactly once per Estimate call that reaches the
// locked state. The estimator is locked for the duration of every callback:
// mutators invoked from inside one return ErrLocked.
type Listener interface {
	OnEstimateStart(e *SequentialEstimator)
	OnEstimateProgressChange(e *SequentialEstimator, progress float64)
	OnEstimateEnd(e *SequentialEstimator)
}

// ListenerFuncs adapts plain functions to the Listener interface. Nil fields
// are skipped.
type ListenerFuncs struct {
	Start    func(e *SequentialEstimator)
	Progress func(e *SequentialEstimator, progress float64)
	End      func(e *SequentialEstimator)
}

func (l ListenerFuncs) OnEstimateStart(e *SequentialEstimator) {
	if l.Start != nil {
		l.Start(e)
	}
}

func (l ListenerFuncs) OnEstimateProgressChange(e *SequentialEstimator, progress float64) {
	if l.Progress != nil {
		l.Progress(e, progress)
	}
}

func (l ListenerFuncs) OnEstimateEnd(e *SequentialEstimator) {
	if l.End != nil {
		l.End(e)
	}
}
