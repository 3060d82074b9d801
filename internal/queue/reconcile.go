package queue

import (
	"sort"
	"time"
)

type opKind int

const (
	opCreate opKind = iota
	opStatus
)

// pendingOp is one optimistic change waiting for the change feed to
// confirm it. Ops from the same user action share a batch and roll back
// together.
type pendingOp struct {
	batch uint64
	kind  opKind
	acked bool

	item Item // opCreate: the temporary item

	targetID string // opStatus
	to       Status
	at       time.Time
}

// reconcile merges the confirmed store state with the pending overlay into
// the ordered view a desk should display. It reads both inputs and writes
// neither. Status ops whose transition is no longer valid against the
// confirmed row are skipped.
func reconcile(confirmed map[string]Item, ops []pendingOp) []Item {
	view := make(map[string]Item, len(confirmed)+len(ops))
	for id, it := range confirmed {
		view[id] = it
	}

	for _, op := range ops {
		switch op.kind {
		case opCreate:
			view[op.item.ID] = op.item
		case opStatus:
			cur, ok := view[op.targetID]
			if !ok {
				continue
			}
			next, err := Advance(cur, op.to, op.at)
			if err != nil {
				continue
			}
			view[op.targetID] = next
		}
	}

	out := make([]Item, 0, len(view))
	for _, it := range view {
		out = append(out, it)
	}
	sortItems(out)
	return out
}

// sortItems orders by order number; confirmed items win ties against
// optimistic ones, and ids break any remaining tie so output is stable.
func sortItems(items []Item) {
	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.OrderNumber != b.OrderNumber {
			return a.OrderNumber < b.OrderNumber
		}
		if a.Temporary() != b.Temporary() {
			return !a.Temporary()
		}
		return a.ID < b.ID
	})
}

func nextOrdinal(items []Item) int {
	max := 0
	for _, it := range items {
		if it.OrderNumber > max {
			max = it.OrderNumber
		}
	}
	return max + 1
}
