// Package present owns the presentation side of generation: which surfaces
// are open, and which in-flight result is still wanted by its origin.
package present

import (
	"sync"

	"golang.org/x/sync/singleflight"
)

// Gate collapses duplicate triggers and tracks staleness per origin.
//
// Every origin has a generation. A trigger carrying new text for the
// origin, or an Invalidate, bumps it; a result is current only while the
// generation it started under is still the origin's latest. Generations are
// drawn from one gate-wide sequence, so an origin that was dropped and seen
// again never reuses an old value.
type Gate struct {
	group singleflight.Group

	mu      sync.Mutex
	seq     uint64
	origins map[string]*originState
}

type originState struct {
	gen  uint64
	text string
	// users counts Do and IfCurrent calls holding this entry.
	users int
	// deliver serialises IfCurrent callbacks for the origin.
	deliver sync.Mutex
}

func NewGate() *Gate {
	return &Gate{origins: make(map[string]*originState)}
}

// acquire returns origin's entry, creating it, and pins it until release.
// g.mu must be held.
func (g *Gate) acquire(origin string) *originState {
	st, ok := g.origins[origin]
	if !ok {
		st = &originState{}
		g.origins[origin] = st
	}
	st.users++
	return st
}

// release unpins st and drops it once it is unused and invalidated.
func (g *Gate) release(origin string, st *originState) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st.users--
	if st.users == 0 && st.text == "" && g.origins[origin] == st {
		delete(g.origins, origin)
	}
}

// Do runs fn for (origin, text) unless an identical call is already in
// flight, in which case it waits for and shares that call's result. fn
// receives the generation the call belongs to; Do returns the caller's own
// generation, which differs from fn's when a joined call went stale.
func (g *Gate) Do(origin, text string, fn func(gen uint64) (any, error)) (v any, gen uint64, shared bool, err error) {
	g.mu.Lock()
	st := g.acquire(origin)
	if st.text != text || st.gen == 0 {
		g.seq++
		st.gen = g.seq
		st.text = text
	}
	gen = st.gen
	g.mu.Unlock()
	defer g.release(origin, st)

	key := origin + "\x00" + text
	v, err, shared = g.group.Do(key, func() (any, error) {
		return fn(gen)
	})
	return v, gen, shared, err
}

// Current reports whether gen is still the latest generation for origin.
func (g *Gate) Current(origin string, gen uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.origins[origin]
	return ok && st.gen == gen
}

// IfCurrent runs fn only if gen is the latest generation for origin, and
// reports whether it ran. Calls for one origin run one at a time, so a
// result that passed the check finishes before any newer one starts.
func (g *Gate) IfCurrent(origin string, gen uint64, fn func()) bool {
	g.mu.Lock()
	st, ok := g.origins[origin]
	if !ok || st.gen != gen {
		g.mu.Unlock()
		return false
	}
	st.users++
	g.mu.Unlock()
	defer g.release(origin, st)

	st.deliver.Lock()
	defer st.deliver.Unlock()

	// Re-check: a newer generation may have been delivered while waiting.
	if !g.Current(origin, gen) {
		return false
	}
	fn()
	return true
}

// Invalidate marks everything in flight for origin as stale, e.g. when its
// panel closes or the page navigates away. An origin with nothing in
// flight is forgotten.
func (g *Gate) Invalidate(origin string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.origins[origin]
	if !ok {
		return
	}
	if st.users == 0 {
		delete(g.origins, origin)
		return
	}
	g.seq++
	st.gen = g.seq
	st.text = ""
}

// Len reports how many origins the gate is tracking.
func (g *Gate) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.origins)
}
