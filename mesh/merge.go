package mesh

import (
	"slices"
	"sync"
)

type Card struct {
	Title    string `json:"title"`
	Column   string `json:"column"`
	Position int    `json:"position"`
}

// BoardSnapshot is derived, never ground truth. Given identical
// operation sets, every replica computes an identical snapshot.
type BoardSnapshot struct {
	Cards             map[string]*Card `json:"cards"`
	AuthorizedDevices map[string]bool  `json:"authorizedDevices"`
}

func NewBoardSnapshot() *BoardSnapshot {
	return &BoardSnapshot{
		Cards:             map[string]*Card{},
		AuthorizedDevices: map[string]bool{},
	}
}

func (self *BoardSnapshot) Copy() *BoardSnapshot {
	out := NewBoardSnapshot()
	for cardId, card := range self.Cards {
		cardCopy := *card
		out.Cards[cardId] = &cardCopy
	}
	for deviceId, ok := range self.AuthorizedDevices {
		out.AuthorizedDevices[deviceId] = ok
	}
	return out
}

func (self *BoardSnapshot) Equal(other *BoardSnapshot) bool {
	if len(self.Cards) != len(other.Cards) {
		return false
	}
	if len(self.AuthorizedDevices) != len(other.AuthorizedDevices) {
		return false
	}
	for cardId, card := range self.Cards {
		otherCard, ok := other.Cards[cardId]
		if !ok || *card != *otherCard {
			return false
		}
	}
	for deviceId := range self.AuthorizedDevices {
		if !other.AuthorizedDevices[deviceId] {
			return false
		}
	}
	return true
}

func (self *BoardSnapshot) columnLen(column string) int {
	n := 0
	for _, card := range self.Cards {
		if card.Column == column {
			n += 1
		}
	}
	return n
}

// MergeEngine owns the deterministic total order and replay. It caches
// the sorted order so steady state appends are incremental; an
// operation arriving out of order triggers a replay rather than being
// appended at the end.
type MergeEngine struct {
	mutex    sync.Mutex
	sorted   []*Operation
	snapshot *BoardSnapshot
}

func NewMergeEngine() *MergeEngine {
	return &MergeEngine{
		snapshot: NewBoardSnapshot(),
	}
}

// Rebuild sorts the full set by the total order key and replays from
// an empty snapshot.
func (self *MergeEngine) Rebuild(ops []*Operation) *BoardSnapshot {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.sorted = slices.Clone(ops)
	slices.SortFunc(self.sorted, CompareOrder)
	self.replayLocked()
	return self.snapshot.Copy()
}

// Apply merges newly appended operations into the cached order. When
// every new key sorts after the applied suffix the operations are
// applied in place; otherwise the engine falls back to a full replay,
// which is always correct.
func (self *MergeEngine) Apply(newOps []*Operation) *BoardSnapshot {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	incremental := make([]*Operation, 0, len(newOps))
	for _, op := range newOps {
		if op != nil {
			incremental = append(incremental, op)
		}
	}
	slices.SortFunc(incremental, CompareOrder)

	inOrder := true
	if 0 < len(self.sorted) && 0 < len(incremental) {
		last := self.sorted[len(self.sorted)-1].OrderKey()
		if incremental[0].OrderKey().Less(last) {
			inOrder = false
		}
	}

	if inOrder {
		for _, op := range incremental {
			self.sorted = append(self.sorted, op)
			applyOperation(self.snapshot, op)
		}
	} else {
		self.sorted = append(self.sorted, incremental...)
		slices.SortFunc(self.sorted, CompareOrder)
		self.replayLocked()
	}
	return self.snapshot.Copy()
}

func (self *MergeEngine) Snapshot() *BoardSnapshot {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.snapshot.Copy()
}

func (self *MergeEngine) replayLocked() {
	snapshot := NewBoardSnapshot()
	for _, op := range self.sorted {
		applyOperation(snapshot, op)
	}
	self.snapshot = snapshot
}

// applyOperation must be safe under arbitrary causal gaps: an action
// referencing a card that never existed is a silent no-op.
func applyOperation(snapshot *BoardSnapshot, op *Operation) {
	switch a := op.Action.(type) {
	case *AddCard:
		// first writer by total order wins card identity
		if _, ok := snapshot.Cards[a.CardId]; !ok {
			snapshot.Cards[a.CardId] = &Card{
				Title:    a.Title,
				Column:   a.Column,
				Position: snapshot.columnLen(a.Column),
			}
		}
	case *UpdateCard:
		if card, ok := snapshot.Cards[a.CardId]; ok {
			if a.Title != nil {
				card.Title = *a.Title
			}
			if a.Column != nil {
				card.Column = *a.Column
			}
			if a.Position != nil {
				card.Position = *a.Position
			}
		}
	case *MoveCard:
		if card, ok := snapshot.Cards[a.CardId]; ok {
			card.Column = a.Column
			card.Position = a.Position
		}
	case *RemoveCard:
		delete(snapshot.Cards, a.CardId)
	case *AddDevice:
		snapshot.AuthorizedDevices[a.DeviceId] = true
	case *RemoveDevice:
		delete(snapshot.AuthorizedDevices, a.DeviceId)
	}
}
