package bootstrap

import (
	"fmt"
	"sync"
)

// Degradations records optional startup steps that failed without aborting
// the boot. /health exposes the snapshot so an operator can see which parts
// of the engine are running in reduced form.
type Degradations struct {
	mu    sync.RWMutex
	steps map[string]string // step name → failure reason
}

func newDegradations() *Degradations {
	return &Degradations{steps: make(map[string]string)}
}

func (d *Degradations) add(step, reason string) {
	d.mu.Lock()
	d.steps[step] = reason
	d.mu.Unlock()
}

// Snapshot returns a copy of the degraded steps.
func (d *Degradations) Snapshot() map[string]string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]string, len(d.steps))
	for name, reason := range d.steps {
		out[name] = reason
	}
	return out
}

// Empty reports whether the boot completed with nothing degraded.
func (d *Degradations) Empty() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.steps) == 0
}

// step is one unit of the boot sequence. Steps run in order; a required
// step's failure aborts the boot, an optional step's failure is downgraded
// into a degradation and the sequence continues.
type step struct {
	name     string
	optional bool
	run      func() error
}

// boot drives the sequence against a, recording optional failures in
// a.Degraded.
func (a *App) boot(steps []step) error {
	for _, s := range steps {
		err := s.run()
		if err == nil {
			a.logger.Debug("boot: %s ok", s.name)
			continue
		}
		if !s.optional {
			return fmt.Errorf("boot step %q: %w", s.name, err)
		}
		a.logger.Warn("boot: %s degraded: %v", s.name, err)
		a.Degraded.add(s.name, err.Error())
	}
	return nil
}
