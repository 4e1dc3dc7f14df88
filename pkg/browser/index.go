package browser

import (
	"sync"

	"github.com/chromedp/cdproto/cdp"
)

// indexEntry is what the registry keeps per assigned index: enough to
// address the node on the wire and to describe it in errors.
type indexEntry struct {
	backendID cdp.BackendNodeID
	tag       string
	scope     string
}

// elementIndex is the per-target registry of index assignments. The
// generation counter only moves forward: every new snapshot installs the
// next generation, and every navigation bumps it without installing
// anything, so handles minted before the navigation fail fast instead of
// resolving against a page that no longer exists.
type elementIndex struct {
	mu         sync.Mutex
	generation uint64
	entries    map[int]indexEntry
	last       *Snapshot
}

// nextGeneration reserves the generation number an in-progress snapshot
// will install under.
func (ix *elementIndex) nextGeneration() uint64 {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.generation + 1
}

// install publishes a snapshot's assignments. It refuses to publish over a
// generation that moved while the snapshot was being built, returning false
// so the builder can start over.
func (ix *elementIndex) install(snap *Snapshot, entries map[int]indexEntry) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if snap.Generation != ix.generation+1 {
		return false
	}
	ix.generation = snap.Generation
	ix.entries = entries
	ix.last = snap
	return true
}

// invalidate discards all assignments and advances the generation. Called
// on every navigation of the target, main frame or not: renumbering is the
// safe response to any document change this layer did not observe.
func (ix *elementIndex) invalidate() uint64 {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.generation++
	ix.entries = nil
	ix.last = nil
	return ix.generation
}

// current returns the live generation number.
func (ix *elementIndex) current() uint64 {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.generation
}

// resolve maps a handle to its registry entry, failing when the handle's
// generation is no longer the live one or the index was never assigned.
func (ix *elementIndex) resolve(ref ElementRef) (indexEntry, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ref.Generation != ix.generation {
		return indexEntry{}, staleIndex(ref.Index, ref.Generation, ix.generation)
	}
	entry, ok := ix.entries[ref.Index]
	if !ok {
		return indexEntry{}, unknownIndex(ref.Index, ix.generation)
	}
	return entry, nil
}

// refByBackendID finds the live handle for a protocol node id, if that node
// was assigned an index in the current generation.
func (ix *elementIndex) refByBackendID(id cdp.BackendNodeID) (ElementRef, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for idx, entry := range ix.entries {
		if entry.backendID == id {
			return ElementRef{Index: idx, Generation: ix.generation}, true
		}
	}
	return ElementRef{}, false
}

// lastSnapshot returns the most recent installed snapshot, or nil after an
// invalidation.
func (ix *elementIndex) lastSnapshot() *Snapshot {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.last
}
