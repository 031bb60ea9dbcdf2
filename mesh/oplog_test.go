package mesh

import (
	mathrand "math/rand"
	"path/filepath"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestOperationLogGate(t *testing.T) {
	authority, devices, addOps := newTestAccount(t, 1, 100)
	userId := authority.Identity().UserId
	device := devices[0]

	log, err := NewOperationLog(authority.Identity(), nil)
	assert.Equal(t, nil, err)

	// a device operation before its AddDevice is rejected
	cardOp := newTestOp(t, userId, device, 150, &AddCard{
		CardId: "c1",
		Title:  "a card",
		Column: "todo",
	})
	_, err = log.Append(cardOp)
	assert.NotEqual(t, nil, err)
	assert.Equal(t, 0, log.Len())

	inserted, err := log.Append(addOps[0])
	assert.Equal(t, nil, err)
	assert.Equal(t, true, inserted)

	inserted, err = log.Append(cardOp)
	assert.Equal(t, nil, err)
	assert.Equal(t, true, inserted)
	assert.Equal(t, 2, log.Len())

	// an operation from a different account never enters
	other, otherDevices, _ := newTestAccount(t, 1, 100)
	foreign := newTestOp(t, other.Identity().UserId, otherDevices[0], 150, &AddCard{
		CardId: "c2",
		Title:  "foreign",
		Column: "todo",
	})
	_, err = log.Append(foreign)
	assert.NotEqual(t, nil, err)
	assert.Equal(t, 2, log.Len())
}

func TestOperationLogIdempotent(t *testing.T) {
	authority, devices, addOps := newTestAccount(t, 1, 100)
	userId := authority.Identity().UserId

	log, err := NewOperationLog(authority.Identity(), nil)
	assert.Equal(t, nil, err)

	op := newTestOp(t, userId, devices[0], 150, &AddCard{
		CardId: "c1",
		Title:  "once",
		Column: "todo",
	})

	result := log.Merge([]*Operation{addOps[0], op})
	assert.Equal(t, 2, result.Accepted)

	// merging the same batch again accepts without growing the set
	result = log.Merge([]*Operation{addOps[0], op})
	assert.Equal(t, 2, result.Accepted)
	assert.Equal(t, 0, result.Rejected)
	assert.Equal(t, 2, log.Len())
}

func TestMergeBatchOrderIndependent(t *testing.T) {
	authority, devices, addOps := newTestAccount(t, 2, 100)
	userId := authority.Identity().UserId

	ops := append([]*Operation{}, addOps...)
	for i := 0; i < 8; i += 1 {
		device := devices[i%2]
		ops = append(ops, newTestOp(t, userId, device, int64(150+i), &AddCard{
			CardId: NewId(),
			Title:  "card",
			Column: "todo",
		}))
	}

	var firstDigest Digest
	for trial := 0; trial < 10; trial += 1 {
		shuffled := append([]*Operation{}, ops...)
		mathrand.Shuffle(len(shuffled), func(i int, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})

		log, err := NewOperationLog(authority.Identity(), nil)
		assert.Equal(t, nil, err)
		result := log.Merge(shuffled)
		assert.Equal(t, len(ops), result.Accepted)
		assert.Equal(t, 0, result.Rejected)

		if trial == 0 {
			firstDigest = log.Digest()
		} else {
			assert.Equal(t, firstDigest, log.Digest())
		}
	}
}

func TestMergePartialBatch(t *testing.T) {
	authority, devices, addOps := newTestAccount(t, 1, 100)
	userId := authority.Identity().UserId

	good := newTestOp(t, userId, devices[0], 150, &AddCard{
		CardId: "c1",
		Title:  "good",
		Column: "todo",
	})
	tampered := newTestOp(t, userId, devices[0], 160, &AddCard{
		CardId: "c2",
		Title:  "bad",
		Column: "todo",
	})
	tampered.Timestamp = 999

	log, err := NewOperationLog(authority.Identity(), nil)
	assert.Equal(t, nil, err)
	result := log.Merge([]*Operation{addOps[0], good, tampered})
	assert.Equal(t, 2, result.Accepted)
	assert.Equal(t, 1, result.Rejected)
	assert.Equal(t, true, log.Has(good.Id))
	assert.Equal(t, false, log.Has(tampered.Id))
}

func TestRevocationTiming(t *testing.T) {
	authority, devices, addOps := newTestAccount(t, 1, 100)
	userId := authority.Identity().UserId
	device := devices[0]

	removeOp, err := authority.RevokeDeviceAt(device.DeviceId, 200)
	assert.Equal(t, nil, err)

	before := newTestOp(t, userId, device, 150, &AddCard{
		CardId: "c1",
		Title:  "before revocation",
		Column: "todo",
	})
	after := newTestOp(t, userId, device, 250, &AddCard{
		CardId: "c2",
		Title:  "after revocation",
		Column: "todo",
	})

	// the revoked device's earlier work survives, later work does not,
	// however the operations arrive
	orders := [][]*Operation{
		{addOps[0], removeOp, before, after},
		{after, before, removeOp, addOps[0]},
		{before, after, addOps[0], removeOp},
	}
	for _, batch := range orders {
		log, err := NewOperationLog(authority.Identity(), nil)
		assert.Equal(t, nil, err)
		result := log.Merge(batch)
		assert.Equal(t, 3, result.Accepted)
		assert.Equal(t, 1, result.Rejected)
		assert.Equal(t, true, log.Has(before.Id))
		assert.Equal(t, false, log.Has(after.Id))
	}
}

func TestFileStoreReload(t *testing.T) {
	authority, devices, addOps := newTestAccount(t, 1, 100)
	userId := authority.Identity().UserId
	path := filepath.Join(t.TempDir(), "ops.jsonl")

	store, err := NewFileStore(path)
	assert.Equal(t, nil, err)

	log, err := NewOperationLog(authority.Identity(), store)
	assert.Equal(t, nil, err)

	ops := []*Operation{addOps[0]}
	for i := 0; i < 5; i += 1 {
		ops = append(ops, newTestOp(t, userId, devices[0], int64(150+i), &AddCard{
			CardId: NewId(),
			Title:  "persisted",
			Column: "todo",
		}))
	}
	result := log.Merge(ops)
	assert.Equal(t, len(ops), result.Accepted)
	digest := log.Digest()
	store.Close()

	store2, err := NewFileStore(path)
	assert.Equal(t, nil, err)
	defer store2.Close()

	log2, err := NewOperationLog(authority.Identity(), store2)
	assert.Equal(t, nil, err)
	assert.Equal(t, digest, log2.Digest())
}

func TestFileStoreRejectsTamperedRecord(t *testing.T) {
	authority, devices, addOps := newTestAccount(t, 1, 100)
	userId := authority.Identity().UserId

	// write a store containing one tampered operation
	tampered := newTestOp(t, userId, devices[0], 150, &AddCard{
		CardId: "c1",
		Title:  "clean",
		Column: "todo",
	})
	tampered.Action.(*AddCard).Title = "dirty"

	path := filepath.Join(t.TempDir(), "ops.jsonl")
	store, err := NewFileStore(path)
	assert.Equal(t, nil, err)
	assert.Equal(t, nil, store.AppendDurable(addOps[0]))
	assert.Equal(t, nil, store.AppendDurable(tampered))
	store.Close()

	store2, err := NewFileStore(path)
	assert.Equal(t, nil, err)
	defer store2.Close()

	log, err := NewOperationLog(authority.Identity(), store2)
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, log.Len())
	assert.Equal(t, false, log.Has(tampered.Id))
}

func TestDigestMatchesAcrossReplicas(t *testing.T) {
	authority, devices, addOps := newTestAccount(t, 2, 100)
	userId := authority.Identity().UserId

	ops := append([]*Operation{}, addOps...)
	for i := 0; i < 6; i += 1 {
		ops = append(ops, newTestOp(t, userId, devices[i%2], int64(150+i), &AddCard{
			CardId: NewId(),
			Title:  "card",
			Column: "todo",
		}))
	}

	logA, err := NewOperationLog(authority.Identity(), nil)
	assert.Equal(t, nil, err)
	logB, err := NewOperationLog(authority.Identity(), nil)
	assert.Equal(t, nil, err)

	logA.Merge(ops)
	reversed := append([]*Operation{}, ops...)
	for i, j := 0, len(reversed)-1; i < j; i, j = i+1, j-1 {
		reversed[i], reversed[j] = reversed[j], reversed[i]
	}
	logB.Merge(reversed)

	assert.Equal(t, logA.Digest(), logB.Digest())
	assert.NotEqual(t, "", logA.Digest().Hash)
}
