package peer

import (
	"sort"

	"flotilla"
)

// Index is the tracker-side file index: which peer holds which file. It is
// owned by the event loop and carries no lock of its own. Only the current
// tracker populates it; stepping down clears it.
type Index struct {
	files map[string]map[flotilla.Holder]struct{}
}

func NewIndex() *Index {
	return &Index{files: make(map[string]map[flotilla.Holder]struct{})}
}

// ReplacePeer makes files the complete set held by h. Files h was previously
// recorded under but no longer names are dropped, so deletions take effect.
func (x *Index) ReplacePeer(h flotilla.Holder, files []string) {
	for name, holders := range x.files {
		delete(holders, h)
		if len(holders) == 0 {
			delete(x.files, name)
		}
	}
	x.AddFiles(h, files)
}

// AddFiles unions files into h's entry. Nothing is ever removed here, which
// is why deletions must arrive as a full ReplacePeer sweep.
func (x *Index) AddFiles(h flotilla.Holder, files []string) {
	for _, name := range files {
		holders, ok := x.files[name]
		if !ok {
			holders = make(map[flotilla.Holder]struct{})
			x.files[name] = holders
		}
		holders[h] = struct{}{}
	}
}

// Holders returns the peers holding name, sorted by endpoint.
func (x *Index) Holders(name string) []flotilla.Holder {
	set, ok := x.files[name]
	if !ok {
		return nil
	}
	out := make([]flotilla.Holder, 0, len(set))
	for h := range set {
		out = append(out, h)
	}
	sortHolders(out)
	return out
}

// Snapshot returns a copy of the whole index.
func (x *Index) Snapshot() map[string][]flotilla.Holder {
	out := make(map[string][]flotilla.Holder, len(x.files))
	for name, set := range x.files {
		holders := make([]flotilla.Holder, 0, len(set))
		for h := range set {
			holders = append(holders, h)
		}
		sortHolders(holders)
		out[name] = holders
	}
	return out
}

// Files reports the number of distinct filenames indexed.
func (x *Index) Files() int { return len(x.files) }

func (x *Index) Clear() {
	x.files = make(map[string]map[flotilla.Holder]struct{})
}

func sortHolders(hs []flotilla.Holder) {
	sort.Slice(hs, func(i, j int) bool {
		if hs[i].Endpoint != hs[j].Endpoint {
			return flotilla.EndpointLess(hs[i].Endpoint, hs[j].Endpoint)
		}
		return hs[i].PeerID < hs[j].PeerID
	})
}
