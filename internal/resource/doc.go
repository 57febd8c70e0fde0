// Package resource governs background work: how many maintenance jobs
// (checkpoint, index compaction) may run at once, and how fast they may write.
//
//	rc := resource.NewController(resource.Config{
//	    MaxBackgroundWorkers: 1,
//	    IOLimitBytesPerSec:   64 << 20,
//	})
//	if !rc.TryAcquireBackground() {
//	    return nil // another job is running
//	}
//	defer rc.ReleaseBackground()
//	if err := rc.AcquireIO(ctx, len(data)); err != nil {
//	    return err
//	}
//
// A nil *Controller is valid and imposes no limits.
package resource
