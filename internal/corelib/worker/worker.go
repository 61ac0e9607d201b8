// Package worker provides the halt-channel goroutine lifecycle idiom used
// by this module's long-running components (the gateway loop and the
// in-memory and serial radios). It mirrors the embeddable Worker pattern
// exercised by the teacher's stream and sockatz packages (HaltCh/Halt/Wait),
// reimplemented here since core/worker itself is a mixnet-internal package
// outside this module's domain.
package worker

import "sync"

// Worker is embedded by long-running components that need a cooperative
// shutdown signal and a way for callers to block until worker goroutines
// have actually exited.
type Worker struct {
	haltOnce sync.Once
	haltCh   chan struct{}
	doneWG   sync.WaitGroup
}

func (w *Worker) initOnce() {
	w.haltOnce.Do(func() {
		w.haltCh = make(chan struct{})
	})
}

// HaltCh returns the channel that is closed when Halt is called. Select
// against it in any blocking receive loop.
func (w *Worker) HaltCh() <-chan struct{} {
	w.initOnce()
	return w.haltCh
}

// Go runs fn in a goroutine tracked by Wait.
func (w *Worker) Go(fn func()) {
	w.initOnce()
	w.doneWG.Add(1)
	go func() {
		defer w.doneWG.Done()
		fn()
	}()
}

// Halt signals all tracked goroutines to stop. Safe to call multiple times.
func (w *Worker) Halt() {
	w.initOnce()
	select {
	case <-w.haltCh:
		return
	default:
		close(w.haltCh)
	}
}

// Wait blocks until every goroutine started via Go has returned.
func (w *Worker) Wait() {
	w.doneWG.Wait()
}
