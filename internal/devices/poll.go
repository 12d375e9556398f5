package devices

import "time"

// pollInterval is how often the fallback watcher re-enumerates.
const pollInterval = 5 * time.Second

// pollWatch re-enumerates on a timer. Refresh only notifies subscribers when
// the list actually changed, so polling is quiet in the steady state.
func pollWatch(r *Registry) (stop func()) {
	ticker := time.NewTicker(pollInterval)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				r.Refresh()
			}
		}
	}()

	return func() {
		ticker.Stop()
		close(done)
	}
}
