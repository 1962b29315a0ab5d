// Package microfork implements MicroForkSet: the per-anchor-block
// collection of competing microblock segments, plus the canonical-
// selection index for that anchor's trail.
package microfork

import (
	"fmt"
	"sort"

	"github.com/hirosystems/chainhook-indexer/pkg/chain"
	"github.com/hirosystems/chainhook-indexer/pkg/segment"
)

// MicroForkSet tracks every known microblock trail candidate for a
// single Stacks anchor block. A microblock trail's sequence space is
// local to its anchor, so each anchor gets its own independent fork set.
type MicroForkSet struct {
	forks           map[int]*segment.ChainSegment
	nextForkID      int
	canonicalForkID int
	hasCanonical    bool
}

// New creates an empty microfork set for one anchor.
func New() *MicroForkSet {
	return &MicroForkSet{forks: make(map[int]*segment.ChainSegment)}
}

// StartTrail begins a new competing microblock segment seeded with id.
// Every microblock with sequence 0 starts a new trail by this rule,
// even if another sequence-0 trail already exists for the anchor.
func (m *MicroForkSet) StartTrail(id chain.BlockIdentifier) int {
	forkID := m.nextForkID
	m.nextForkID++
	seg := segment.New()
	// Seeding an empty segment always succeeds as Extended.
	_, _, _ = seg.Append(id, id)
	m.forks[forkID] = seg
	return forkID
}

// TryAppend attempts to attach id (parent parentID) to every existing
// segment in ascending fork-id order, stopping at the first success. A
// Forked outcome allocates a new fork id. ok is false if no segment
// accepted the microblock.
func (m *MicroForkSet) TryAppend(id, parentID chain.BlockIdentifier) (forkID int, outcome segment.AppendOutcome, ok bool) {
	for _, fid := range m.sortedForkIDs() {
		seg := m.forks[fid]
		out, forked, err := seg.Append(id, parentID)
		if err != nil {
			continue
		}
		if out == segment.Forked {
			newID := m.nextForkID
			m.nextForkID++
			m.forks[newID] = forked
			return newID, segment.Forked, true
		}
		return fid, segment.Extended, true
	}
	return 0, 0, false
}

// AppendTo attempts to attach id to one specific fork, used when
// draining orphans against only the trail that was just updated. A
// Forked outcome still allocates a new fork id.
func (m *MicroForkSet) AppendTo(forkID int, id, parentID chain.BlockIdentifier) (newForkID int, outcome segment.AppendOutcome, err error) {
	seg, ok := m.forks[forkID]
	if !ok {
		return 0, 0, fmt.Errorf("microfork %d not found", forkID)
	}
	outcome, forked, err := seg.Append(id, parentID)
	if err != nil {
		return 0, 0, err
	}
	if outcome == segment.Forked {
		newID := m.nextForkID
		m.nextForkID++
		m.forks[newID] = forked
		return newID, segment.Forked, nil
	}
	return forkID, segment.Extended, nil
}

// Get returns the segment for a fork id.
func (m *MicroForkSet) Get(forkID int) (*segment.ChainSegment, bool) {
	seg, ok := m.forks[forkID]
	return seg, ok
}

// Delete removes a fork, e.g. once it has been fully pruned.
func (m *MicroForkSet) Delete(forkID int) {
	delete(m.forks, forkID)
	if m.hasCanonical && m.canonicalForkID == forkID {
		m.hasCanonical = false
	}
}

// ForkCount reports how many competing trails are tracked.
func (m *MicroForkSet) ForkCount() int {
	return len(m.forks)
}

func (m *MicroForkSet) sortedForkIDs() []int {
	ids := make([]int, 0, len(m.forks))
	for id := range m.forks {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// ForkIDs returns every tracked fork id in ascending order.
func (m *MicroForkSet) ForkIDs() []int {
	return m.sortedForkIDs()
}

// ElectCanonical selects the longest segment, ties broken by highest
// fork id (i.e. most recently created). Returns false if there are no
// tracked forks.
func (m *MicroForkSet) ElectCanonical() (forkID int, changed bool, ok bool) {
	var best int
	var bestLen uint64
	found := false

	for _, fid := range m.sortedForkIDs() {
		l := m.forks[fid].Length()
		if !found || l >= bestLen {
			best = fid
			bestLen = l
			found = true
		}
	}

	if !found {
		return 0, false, false
	}

	changed = !m.hasCanonical || m.canonicalForkID != best
	m.canonicalForkID = best
	m.hasCanonical = true
	return best, changed, true
}

// Canonical returns the currently-elected trail, if any.
func (m *MicroForkSet) Canonical() (forkID int, seg *segment.ChainSegment, ok bool) {
	if !m.hasCanonical {
		return 0, nil, false
	}
	seg, present := m.forks[m.canonicalForkID]
	return m.canonicalForkID, seg, present
}

// SetCanonical forces the canonical pointer, used when a confirming
// block (ConfirmMicroblocksForBlock) pins the trail holding its
// confirmed microblock tip.
func (m *MicroForkSet) SetCanonical(forkID int) {
	m.canonicalForkID = forkID
	m.hasCanonical = true
}
