// Package pool implements the ranked proxy pool: a newcomers FIFO queue
// feeding a priority min-heap, the structure the forwarding server draws
// working proxies from. Generalizes the ranking idea a load balancer
// applies to backend servers (sort-by-weight, best-server selection) into a
// priority-queue shape suited to per-scheme admission and eviction of a
// continuously refreshed candidate set.
package pool

import (
	"container/heap"
	"fmt"
	"sync"
	"time"
)

// Entry is the minimal view of a checked proxy the pool needs: an address
// key, the set of schemes it supports, and the ranking key computed from
// its live statistics. Callers (the root arprox.Proxy) implement this via
// a thin adapter rather than the pool importing the root package, avoiding
// an import cycle between pkg/pool and the domain package.
type Entry interface {
	Addr() string
	Schemes() []string
	Priority() (errorRate float64, avgRespTime time.Duration)
	// Requests returns the total number of requests this proxy has served,
	// the figure Put compares against MinReqProxy to decide newcomer status.
	Requests() int
}

// Config bounds how many proxies the pool admits into ranked rotation
// before newcomers start being evaluated against eviction thresholds, and
// the admission thresholds Put uses to classify an incoming proxy as
// newcomer, heap candidate, or discard.
type Config struct {
	MinQueue         int `default:"5"` // below this, Get prefers newcomers outright
	MaxSize          int `default:"500"`
	MaxImportRetries int `default:"3"`

	MinReqProxy  int           `default:"5"`   // fewer requests than this: still a newcomer
	MaxErrorRate float64       `default:"0.5"`  // above this (once past MinReqProxy): discard
	MaxRespTime  time.Duration `default:"8s"`   // above this (once past MinReqProxy): discard
}

// heapItem is one (Entry, index) pair tracked by the priority heap.
type heapItem struct {
	entry Entry
	index int
}

type priorityHeap []*heapItem

func (h priorityHeap) Len() int { return len(h) }
func (h priorityHeap) Less(i, j int) bool {
	erI, avI := h[i].entry.Priority()
	erJ, avJ := h[j].entry.Priority()
	if erI != erJ {
		return erI < erJ
	}
	return avI < avJ
}
func (h priorityHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *priorityHeap) Push(x any) {
	item := x.(*heapItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Pool is the ranked proxy pool. Newcomers enter a FIFO and are served from
// there until MinQueue worth of ranked (heap) entries exist; once the heap
// is populated, Get prefers the best-ranked entry for the requested scheme,
// falling back to newcomers. Put classifies an incoming proxy by its
// request count and stats (newcomer, discarded, or heap; see Put); Remove
// evicts an address from whichever structure holds it.
type Pool struct {
	cfg Config

	mu        sync.Mutex
	newcomers []Entry
	h         priorityHeap
	byAddr    map[string]bool // tracks membership across both structures, for O(1) duplicate checks
}

// New builds a Pool with cfg, defaulting zero fields.
func New(cfg Config) *Pool {
	if cfg.MinQueue <= 0 {
		cfg.MinQueue = 5
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 500
	}
	if cfg.MaxImportRetries <= 0 {
		cfg.MaxImportRetries = 3
	}
	if cfg.MinReqProxy <= 0 {
		cfg.MinReqProxy = 5
	}
	if cfg.MaxErrorRate <= 0 {
		cfg.MaxErrorRate = 0.5
	}
	if cfg.MaxRespTime <= 0 {
		cfg.MaxRespTime = 8 * time.Second
	}
	p := &Pool{cfg: cfg, byAddr: make(map[string]bool)}
	heap.Init(&p.h)
	return p
}

// Put admits e into the pool under the three-way split the ranking policy
// specifies: a proxy that has served fewer than MinReqProxy requests is
// still a newcomer, regardless of whether this is its first sighting or a
// re-admission; one that has earned enough requests to judge but whose
// error rate or average response time exceeds the configured ceiling is
// discarded outright rather than left to rot in the heap; everything else
// enters the ranked heap. An address already tracked is first removed from
// wherever it was, so re-admission always reflects e's freshly updated
// stats. New (not-previously-seen) addresses are rejected once MaxSize is
// reached; re-admissions of a tracked address are never rejected on size
// grounds, since they don't grow the pool.
func (p *Pool) Put(e Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()

	addr := e.Addr()
	if p.byAddr[addr] {
		p.removeLocked(addr)
	} else if p.size() >= p.cfg.MaxSize {
		return
	}

	errorRate, avgRespTime := e.Priority()
	switch {
	case e.Requests() < p.cfg.MinReqProxy:
		p.byAddr[addr] = true
		p.newcomers = append(p.newcomers, e)
	case errorRate > p.cfg.MaxErrorRate || avgRespTime > p.cfg.MaxRespTime:
		// seasoned enough to judge, and judged badly: discard.
	default:
		p.byAddr[addr] = true
		heap.Push(&p.h, &heapItem{entry: e})
	}
}

// Get returns the best available entry supporting scheme, preferring a
// newcomer when the heap has fewer than MinQueue entries (giving freshly
// discovered proxies a chance to accumulate statistics before being judged
// against seasoned ones), and the top ranked heap entry otherwise. Entries
// that don't support scheme are skipped without being removed. Get makes a
// single pass over the pool and does not wait for new entries: it returns
// ErrEmpty at once if no matching entry exists.
func (p *Pool) Get(scheme string) (Entry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for try := 0; try < p.cfg.MaxImportRetries; try++ {
		if len(p.h) < p.cfg.MinQueue {
			if e, ok := p.popNewcomerLocked(scheme); ok {
				return e, nil
			}
		}
		if e, ok := p.popBestLocked(scheme); ok {
			return e, nil
		}
		if e, ok := p.popNewcomerLocked(scheme); ok {
			return e, nil
		}
		break
	}
	return nil, fmt.Errorf("%w: no proxy for scheme %s", ErrEmpty, scheme)
}

func (p *Pool) popNewcomerLocked(scheme string) (Entry, bool) {
	for i, e := range p.newcomers {
		if hasScheme(e, scheme) {
			p.newcomers = append(p.newcomers[:i], p.newcomers[i+1:]...)
			delete(p.byAddr, e.Addr())
			return e, true
		}
	}
	return nil, false
}

// popBestLocked pops heap items until one matches scheme, restoring the
// skipped items afterward (pop-all-then-rebuild, needed because
// container/heap has no "find nth and remove" primitive).
func (p *Pool) popBestLocked(scheme string) (Entry, bool) {
	var skipped []*heapItem
	var found Entry

	for p.h.Len() > 0 {
		item := heap.Pop(&p.h).(*heapItem)
		if found == nil && hasScheme(item.entry, scheme) {
			found = item.entry
			delete(p.byAddr, item.entry.Addr())
			continue
		}
		skipped = append(skipped, item)
	}
	for _, item := range skipped {
		heap.Push(&p.h, item)
	}
	return found, found != nil
}

// Remove evicts addr from the pool, scanning newcomers first and then
// rebuilding the heap without it.
func (p *Pool) Remove(addr string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeLocked(addr)
}

func (p *Pool) removeLocked(addr string) {
	if !p.byAddr[addr] {
		return
	}
	for i, e := range p.newcomers {
		if e.Addr() == addr {
			p.newcomers = append(p.newcomers[:i], p.newcomers[i+1:]...)
			delete(p.byAddr, addr)
			return
		}
	}

	var kept []*heapItem
	for p.h.Len() > 0 {
		item := heap.Pop(&p.h).(*heapItem)
		if item.entry.Addr() != addr {
			kept = append(kept, item)
		}
	}
	for _, item := range kept {
		heap.Push(&p.h, item)
	}
	delete(p.byAddr, addr)
}

// Len returns the total number of entries tracked (newcomers + heap).
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size()
}

func (p *Pool) size() int { return len(p.newcomers) + p.h.Len() }

func hasScheme(e Entry, scheme string) bool {
	for _, s := range e.Schemes() {
		if s == scheme {
			return true
		}
	}
	return false
}

// ErrEmpty is returned by Get when no entry in the pool currently supports
// the requested scheme.
var ErrEmpty = fmt.Errorf("pool: empty")
