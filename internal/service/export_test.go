package service

// LimiterCount reports how many per-job limiters the worker holds.
func (w *DeliveryWorker) LimiterCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.limiters)
}
