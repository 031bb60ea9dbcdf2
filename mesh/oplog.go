package mesh

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"sync"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

// Digest is a cheap summary of an operation set, used to decide sync
// direction before transferring full data.
type Digest struct {
	Count int    `json:"count"`
	Hash  string `json:"hash"`
}

type MergeResult struct {
	Accepted int
	Rejected int
}

// OperationLog is the authoritative, deduplicated, signature gated
// operation set of one replica. All writes serialize through one
// mutex; readers of All/Digest run concurrently against a stable
// snapshot.
type OperationLog struct {
	identity    *Identity
	verifier    *Verifier
	persistence Persistence

	mutex   sync.RWMutex
	ops     map[string]*Operation
	authOps []*Operation
	view    *AuthorizationView
}

// NewOperationLog replays the persistence collaborator through the
// normal gated append path, so a tampered store cannot resurrect
// operations the verifier would reject.
func NewOperationLog(identity *Identity, persistence Persistence) (*OperationLog, error) {
	log := &OperationLog{
		identity: identity,
		verifier: NewVerifier(identity),
		ops:      map[string]*Operation{},
		view:     NewAuthorizationView(identity, nil),
	}
	if persistence != nil {
		loaded, err := persistence.LoadAll()
		if err != nil {
			return nil, err
		}
		result := log.Merge(loaded)
		if 0 < result.Rejected {
			glog.Infof("[log]dropped %d invalid stored operations\n", result.Rejected)
		}
		// attach after replay so load does not re-append
		log.persistence = persistence
	}
	return log, nil
}

// Append inserts one operation. Idempotent: a known id is a silent
// no-op and returns false. The operation must pass the verifier;
// rejected operations are never stored and never replayed.
func (self *OperationLog) Append(op *Operation) (bool, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.appendLocked(op)
}

func (self *OperationLog) appendLocked(op *Operation) (bool, error) {
	if op == nil {
		return false, ErrMalformedAction
	}
	if _, ok := self.ops[op.Id]; ok {
		return false, nil
	}
	if err := self.verifier.Verify(op, self.view); err != nil {
		return false, err
	}
	if self.persistence != nil {
		if err := self.persistence.AppendDurable(op); err != nil {
			return false, err
		}
	}
	self.ops[op.Id] = op
	if op.isAuthorizationAction() {
		self.authOps = append(self.authOps, op)
		self.view = NewAuthorizationView(self.identity, self.authOps)
	}
	return true, nil
}

// Merge applies Append to each operation. A bad operation does not
// abort the rest. Authorization operations are applied first so that a
// batch carrying both an AddDevice and operations from that device
// accepts regardless of arrival order inside the batch.
func (self *OperationLog) Merge(ops []*Operation) MergeResult {
	ordered := make([]*Operation, 0, len(ops))
	for _, op := range ops {
		if op != nil {
			ordered = append(ordered, op)
		}
	}
	slices.SortFunc(ordered, func(a *Operation, b *Operation) int {
		authA := a.isAuthorizationAction()
		authB := b.isAuthorizationAction()
		if authA != authB {
			if authA {
				return -1
			}
			return 1
		}
		return CompareOrder(a, b)
	})

	self.mutex.Lock()
	defer self.mutex.Unlock()

	result := MergeResult{}
	for _, op := range ordered {
		if _, err := self.appendLocked(op); err != nil {
			glog.V(1).Infof("[log]reject %s = %s\n", op.Id, err)
			result.Rejected += 1
		} else {
			result.Accepted += 1
		}
	}
	return result
}

// All is an unordered snapshot of the current set.
func (self *OperationLog) All() []*Operation {
	self.mutex.RLock()
	defer self.mutex.RUnlock()
	return maps.Values(self.ops)
}

func (self *OperationLog) Len() int {
	self.mutex.RLock()
	defer self.mutex.RUnlock()
	return len(self.ops)
}

func (self *OperationLog) Has(id string) bool {
	self.mutex.RLock()
	defer self.mutex.RUnlock()
	_, ok := self.ops[id]
	return ok
}

// Digest hashes the sorted id list. Two replicas with the same set
// always produce the same digest regardless of insertion order.
func (self *OperationLog) Digest() Digest {
	self.mutex.RLock()
	defer self.mutex.RUnlock()

	ids := maps.Keys(self.ops)
	slices.Sort(ids)
	h := sha256.New()
	for _, id := range ids {
		h.Write([]byte(id))
		h.Write([]byte{0})
	}
	return Digest{
		Count: len(ids),
		Hash:  hex.EncodeToString(h.Sum(nil)),
	}
}

// AuthorizationView is the current chain view. The returned value is
// immutable; the log swaps in a fresh view on authorization changes.
func (self *OperationLog) AuthorizationView() *AuthorizationView {
	self.mutex.RLock()
	defer self.mutex.RUnlock()
	return self.view
}
