package mesh

import (
	"bytes"
	"context"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestExportImportRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	authority, devices, addOps := newTestAccount(t, 1, 100)
	node, err := NewNodeWithDefaults(ctx, authority, devices[0], nil)
	assert.Equal(t, nil, err)
	defer node.Cancel()
	node.Merge(addOps)

	for i := 0; i < 4; i += 1 {
		_, err := node.AddCard("exported", "todo")
		assert.Equal(t, nil, err)
	}

	buf := &bytes.Buffer{}
	err = node.Export(buf)
	assert.Equal(t, nil, err)

	// a fresh replica with only the public identity accepts the whole
	// export, chain included
	fresh, err := NewNodeWithDefaults(ctx, NewIdentityAuthority(authority.Identity()), devices[0], nil)
	assert.Equal(t, nil, err)
	defer fresh.Cancel()

	result, err := fresh.Import(bytes.NewReader(buf.Bytes()))
	assert.Equal(t, nil, err)
	assert.Equal(t, 5, result.Accepted)
	assert.Equal(t, 0, result.Rejected)
	assert.Equal(t, node.Log().Digest(), fresh.Log().Digest())
	assert.Equal(t, true, node.Snapshot().Equal(fresh.Snapshot()))
}

func TestImportRejectsTamperedRecords(t *testing.T) {
	authority, devices, addOps := newTestAccount(t, 1, 100)
	userId := authority.Identity().UserId

	good := newTestOp(t, userId, devices[0], 150, &AddCard{
		CardId: "c1",
		Title:  "good",
		Column: "todo",
	})
	tampered := newTestOp(t, userId, devices[0], 160, &AddCard{
		CardId: "c2",
		Title:  "good",
		Column: "todo",
	})
	tampered.Action.(*AddCard).Title = "evil"

	buf := &bytes.Buffer{}
	err := ExportOperations(buf, []*Operation{addOps[0], good, tampered})
	assert.Equal(t, nil, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	node, err := NewNodeWithDefaults(ctx, NewIdentityAuthority(authority.Identity()), devices[0], nil)
	assert.Equal(t, nil, err)
	defer node.Cancel()

	result, err := node.Import(bytes.NewReader(buf.Bytes()))
	assert.Equal(t, nil, err)
	assert.Equal(t, 2, result.Accepted)
	assert.Equal(t, 1, result.Rejected)
	assert.Equal(t, false, node.Log().Has(tampered.Id))
}

func TestExportIsSorted(t *testing.T) {
	authority, devices, addOps := newTestAccount(t, 1, 100)
	userId := authority.Identity().UserId

	late := newTestOp(t, userId, devices[0], 300, &AddCard{
		CardId: "c2",
		Title:  "late",
		Column: "todo",
	})
	early := newTestOp(t, userId, devices[0], 200, &AddCard{
		CardId: "c1",
		Title:  "early",
		Column: "todo",
	})

	buf := &bytes.Buffer{}
	err := ExportOperations(buf, []*Operation{late, early, addOps[0]})
	assert.Equal(t, nil, err)

	decoded, err := ImportOperations(bytes.NewReader(buf.Bytes()))
	assert.Equal(t, nil, err)
	assert.Equal(t, 3, len(decoded))
	assert.Equal(t, addOps[0].Id, decoded[0].Id)
	assert.Equal(t, early.Id, decoded[1].Id)
	assert.Equal(t, late.Id, decoded[2].Id)
}
