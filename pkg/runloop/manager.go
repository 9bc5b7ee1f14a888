package runloop

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/charudatta10/nanos/pkg/kcontext"
)

// Manager brings up and tears down one goroutine per configured CPU,
// each running that CPU's Loop.Run. Grounded on runsc/sandbox's
// subordinate-process bring-up shape: one worker per unit under a
// shared cancellation context, errgroup.Wait()ed on shutdown.
type Manager struct {
	loops  []*Loop
	group  *errgroup.Group
	cancel context.CancelFunc
}

// NewManager constructs a manager over the given loops. It does not
// start them; call StartAll.
func NewManager(loops []*Loop) *Manager {
	return &Manager{loops: loops}
}

// StartAll launches one goroutine per loop under a context derived
// from ctx. Returns immediately; the loops run until Shutdown is
// called or ctx is cancelled by the caller.
func (m *Manager) StartAll(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	g, gctx := errgroup.WithContext(runCtx)
	for _, l := range m.loops {
		l := l
		g.Go(func() error {
			l.Run(gctx)
			return nil
		})
	}
	m.group = g
}

// Shutdown marks every loop as shutting down (so in-flight dispatch
// loops exit on their next pass rather than mid-drain), flips the
// package-wide kcontext shutdown flag so pause/resume hooks are
// skipped during teardown, cancels the run context, and waits for
// every loop goroutine to exit.
func (m *Manager) Shutdown() error {
	kcontext.SetShuttingDown(true)
	for _, l := range m.loops {
		l.shutdown()
	}
	if m.cancel != nil {
		m.cancel()
	}
	if m.group == nil {
		return nil
	}
	return m.group.Wait()
}
