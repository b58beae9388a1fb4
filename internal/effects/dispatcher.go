// Package effects runs the side effects of committed decision
// transitions: broadcasting to live subscribers and capturing resolved
// decisions into the plan's knowledge base. Both run on background
// goroutines after the primary response; a failure is logged and never
// propagates back to the transition.
package effects

import (
	"context"
	"log"
	"sync"
	"time"

	"signoff/internal/domain"
	"signoff/internal/notify"
)

const captureTimeout = 30 * time.Second

// Dispatcher fans a committed transition out to its sinks. Hub and
// Knowledge are each optional; a nil sink is skipped. The two sinks
// are fault-isolated: each runs on its own goroutine.
type Dispatcher struct {
	Hub       *notify.Hub
	Knowledge *Capturer
	Log       *log.Logger

	wg sync.WaitGroup
}

func (d *Dispatcher) DecisionRequested(planID string, rec domain.DecisionRequest, actor string) {
	d.spawn(func() { d.broadcast("decision.requested", planID, rec, actor) })
}

func (d *Dispatcher) DecisionResolved(planID string, rec domain.DecisionRequest, actor string) {
	d.spawn(func() { d.broadcast("decision.resolved", planID, rec, actor) })
	if d.Knowledge != nil {
		d.spawn(func() {
			ctx, cancel := context.WithTimeout(context.Background(), captureTimeout)
			defer cancel()
			if err := d.Knowledge.Capture(ctx, rec); err != nil {
				d.logf("knowledge capture failed decision=%s: %v", rec.ID, err)
			}
		})
	}
}

func (d *Dispatcher) DecisionCancelled(planID string, rec domain.DecisionRequest, actor string) {
	d.spawn(func() { d.broadcast("decision.cancelled", planID, rec, actor) })
}

// Wait blocks until all in-flight side effects have finished. Used on
// shutdown and in tests.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) spawn(fn func()) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		fn()
	}()
}

func (d *Dispatcher) broadcast(kind, planID string, rec domain.DecisionRequest, actor string) {
	if d.Hub == nil {
		return
	}
	d.Hub.Publish(planID, notify.Message{
		Kind:     kind,
		PlanID:   planID,
		Actor:    actor,
		Decision: rec,
		TS:       time.Now().UTC().Format(time.RFC3339),
	})
}

func (d *Dispatcher) logf(format string, args ...any) {
	if d.Log != nil {
		d.Log.Printf(format, args...)
	}
}
