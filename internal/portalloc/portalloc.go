// Package portalloc hands out free TCP ports, singly or as consecutive
// pairs, verified against three authorities before being returned:
// persistent resource records, the Docker container registry, and a
// live OS bind probe.
package portalloc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// ErrPortExhausted is returned when no port in the configured range
// passes all three availability checks.
var ErrPortExhausted = errors.New("portalloc: no available port in range")

const bindProbeTimeout = time.Second

// StateStore is the check-1 authority: no resource record may reference
// the candidate port while in an active lifecycle status. Satisfied by
// internal/store.Store.
type StateStore interface {
	PortInUse(ctx context.Context, port int) (bool, error)
}

// ContainerLister is the check-2 authority: no Docker container, running
// or stopped, may already publish the candidate port as a host binding.
// Satisfied by the Container Lifecycle Manager's Docker client wrapper.
// HostPortBindings returns the full set once per scan pass so callers
// don't re-list the daemon per candidate port.
type ContainerLister interface {
	HostPortBindings(ctx context.Context) (map[int]struct{}, error)
}

// Allocator allocates ports from a configured range, excluding an
// explicit blacklist. It is safe for concurrent use: the scan-then-hold
// segment of each allocation is serialized per Allocator instance so two
// concurrent callers in the same process can never be handed the same
// port.
type Allocator struct {
	min, max int
	blocked  map[int]struct{}
	store    StateStore
	lister   ContainerLister

	mu      sync.Mutex
	pending map[int]struct{} // ports returned by this process, not yet released
}

// New creates an Allocator over [min, max] inclusive. blacklist ports are
// never returned even if otherwise free.
func New(min, max int, blacklist []int, store StateStore, lister ContainerLister) *Allocator {
	blocked := make(map[int]struct{}, len(blacklist))
	for _, p := range blacklist {
		blocked[p] = struct{}{}
	}
	return &Allocator{
		min:     min,
		max:     max,
		blocked: blocked,
		store:   store,
		lister:  lister,
		pending: make(map[int]struct{}),
	}
}

// DefaultRangeMin and DefaultRangeMax bound the control plane's default
// allocation window.
const (
	DefaultRangeMin = 40000
	DefaultRangeMax = 50000
)

// AllocatePort returns a single available port in range.
func (a *Allocator) AllocatePort(ctx context.Context) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	bindings, err := a.lister.HostPortBindings(ctx)
	if err != nil {
		return 0, fmt.Errorf("portalloc: list container bindings: %w", err)
	}

	for port := a.min; port <= a.max; port++ {
		ok, err := a.checkLocked(ctx, port, bindings)
		if err != nil {
			return 0, err
		}
		if ok {
			a.pending[port] = struct{}{}
			return port, nil
		}
	}
	return 0, ErrPortExhausted
}

// AllocatePortPair returns two consecutive available ports (p, p+1); both
// must independently pass all three checks.
func (a *Allocator) AllocatePortPair(ctx context.Context) (int, int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	bindings, err := a.lister.HostPortBindings(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("portalloc: list container bindings: %w", err)
	}

	for port := a.min; port < a.max; port++ {
		okFirst, err := a.checkLocked(ctx, port, bindings)
		if err != nil {
			return 0, 0, err
		}
		if !okFirst {
			continue
		}
		okSecond, err := a.checkLocked(ctx, port+1, bindings)
		if err != nil {
			return 0, 0, err
		}
		if okSecond {
			a.pending[port] = struct{}{}
			a.pending[port+1] = struct{}{}
			return port, port + 1, nil
		}
	}
	return 0, 0, ErrPortExhausted
}

// ReleasePort removes a port from this process's pending-allocation
// tracking. It does not touch the state store — release of the
// underlying resource record is the caller's responsibility.
func (a *Allocator) ReleasePort(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.pending, port)
}

// IsAvailable reports whether port currently passes all three checks.
func (a *Allocator) IsAvailable(ctx context.Context, port int) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	bindings, err := a.lister.HostPortBindings(ctx)
	if err != nil {
		return false, fmt.Errorf("portalloc: list container bindings: %w", err)
	}
	return a.checkLocked(ctx, port, bindings)
}

// FindAlternative scans for a replacement port, excluding failed (a port
// that just failed to bind despite passing the earlier checks — e.g. a
// TOCTOU loser to another process).
func (a *Allocator) FindAlternative(ctx context.Context, failed int) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	bindings, err := a.lister.HostPortBindings(ctx)
	if err != nil {
		return 0, fmt.Errorf("portalloc: list container bindings: %w", err)
	}

	for port := a.min; port <= a.max; port++ {
		if port == failed {
			continue
		}
		ok, err := a.checkLocked(ctx, port, bindings)
		if err != nil {
			return 0, err
		}
		if ok {
			a.pending[port] = struct{}{}
			return port, nil
		}
	}
	return 0, ErrPortExhausted
}

// checkLocked runs the three-check algorithm against a single candidate
// port. Callers must hold a.mu. bindings is the container host-port set
// for the current scan pass, fetched once by the caller.
func (a *Allocator) checkLocked(ctx context.Context, port int, bindings map[int]struct{}) (bool, error) {
	if _, blocked := a.blocked[port]; blocked {
		return false, nil
	}
	if _, held := a.pending[port]; held {
		return false, nil
	}
	if _, bound := bindings[port]; bound {
		return false, nil
	}

	inUse, err := a.store.PortInUse(ctx, port)
	if err != nil {
		return false, fmt.Errorf("portalloc: state store check for port %d: %w", port, err)
	}
	if inUse {
		return false, nil
	}

	return probeBind(ctx, port)
}

// probeBind attempts to bind a TCP listener on 0.0.0.0:port and
// immediately closes it, with a 1-second timeout.
func probeBind(ctx context.Context, port int) (bool, error) {
	probeCtx, cancel := context.WithTimeout(ctx, bindProbeTimeout)
	defer cancel()

	lc := net.ListenConfig{}
	ln, err := lc.Listen(probeCtx, "tcp", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return false, nil
	}
	_ = ln.Close()
	return true, nil
}
