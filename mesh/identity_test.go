package mesh

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestIdentitySaveLoad(t *testing.T) {
	authority, err := CreateIdentity()
	assert.Equal(t, nil, err)
	assert.Equal(t, true, authority.CanSign())

	path := filepath.Join(t.TempDir(), "identity.json")
	err = authority.Save(path)
	assert.Equal(t, nil, err)

	loaded, err := LoadIdentityAuthority(path)
	assert.Equal(t, nil, err)
	assert.Equal(t, authority.Identity().UserId, loaded.Identity().UserId)
	assert.Equal(t, authority.Identity().MasterPublicKey, loaded.Identity().MasterPublicKey)
	assert.Equal(t, true, loaded.CanSign())

	// a loaded authority can still extend the chain
	device, err := NewDevice()
	assert.Equal(t, nil, err)
	op, err := loaded.AuthorizeDevice(device.DeviceId, device.PublicKey)
	assert.Equal(t, nil, err)
	assert.Equal(t, true, op.VerifySignature(authority.Identity().MasterPublicKey))
}

func TestAuthorizeRequiresMasterKey(t *testing.T) {
	authority, devices, _ := newTestAccount(t, 1, 100)

	verifyOnly := NewIdentityAuthority(authority.Identity())
	assert.Equal(t, false, verifyOnly.CanSign())

	_, err := verifyOnly.AuthorizeDevice(devices[0].DeviceId, devices[0].PublicKey)
	assert.Equal(t, true, errors.Is(err, ErrNotMasterKey))

	_, err = verifyOnly.RevokeDevice(devices[0].DeviceId)
	assert.Equal(t, true, errors.Is(err, ErrNotMasterKey))
}

func TestAuthorizationViewTiming(t *testing.T) {
	authority, devices, addOps := newTestAccount(t, 1, 100)
	device := devices[0]

	removeOp, err := authority.RevokeDeviceAt(device.DeviceId, 200)
	assert.Equal(t, nil, err)

	view := NewAuthorizationView(authority.Identity(), []*Operation{addOps[0], removeOp})

	at := func(timestamp int64) OrderKey {
		return OrderKey{Timestamp: timestamp, DeviceId: device.DeviceId, Id: "x"}
	}

	// before the add
	assert.Equal(t, false, view.IsAuthorized(device.DeviceId, at(50)))
	// between add and remove: authorized, revocation is not retroactive
	assert.Equal(t, true, view.IsAuthorized(device.DeviceId, at(150)))
	// after the remove
	assert.Equal(t, false, view.IsAuthorized(device.DeviceId, at(250)))

	key := view.DevicePublicKey(device.DeviceId, at(150))
	assert.Equal(t, []byte(device.PublicKey), []byte(key))
}

func TestAuthorizationViewIgnoresForgedChain(t *testing.T) {
	authority, devices, _ := newTestAccount(t, 1, 100)
	device := devices[0]

	// an AddDevice signed by the device itself, not the master key
	forged := newTestOp(t, authority.Identity().UserId, device, 100, &AddDevice{
		DeviceId:        device.DeviceId,
		DevicePublicKey: "00",
	})

	view := NewAuthorizationView(authority.Identity(), []*Operation{forged})
	assert.Equal(t, false, view.IsAuthorized(device.DeviceId, OrderKey{Timestamp: 999}))
}
