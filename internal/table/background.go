package table

import "time"

// backgroundInterval is the fallback cadence of the convert/purge driver
// when no rotation signal arrives.
const backgroundInterval = 30 * time.Second

// backgroundLoop drives convert and purge off tail rotations. Both
// pipelines re-check the scanning refcount at entry and run to
// completion once started.
func (t *Table) backgroundLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(backgroundInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.closeCh:
			return
		case <-t.convertCh:
		case <-ticker.C:
		}
		if t.Compact() {
			t.log.Info("background convert finished")
		}
		if t.PurgeDeletedRows() {
			t.log.Info("background purge finished")
		}
	}
}
