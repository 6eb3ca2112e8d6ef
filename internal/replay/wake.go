package replay

// wakeSignal nudges a waiting drainer when new work arrives.
//
// The channel is buffered with size 1 so any number of notifications
// between two waits coalesce into one wakeup and Notify never blocks.
type wakeSignal struct {
	ch chan struct{}
}

func newWakeSignal() *wakeSignal {
	return &wakeSignal{ch: make(chan struct{}, 1)}
}

// Notify signals availability. Non-blocking.
func (w *wakeSignal) Notify() {
	select {
	case w.ch <- struct{}{}:
	default:
	}
}

// C returns the channel to wait on.
func (w *wakeSignal) C() <-chan struct{} {
	return w.ch
}
