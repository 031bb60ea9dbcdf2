package mesh

import (
	"testing"
	"time"
)

// newTestAccount creates an authority and n devices, returning the
// AddDevice operations at the given timestamp.
func newTestAccount(t *testing.T, n int, timestamp int64) (*IdentityAuthority, []*Device, []*Operation) {
	authority, err := CreateIdentity()
	if err != nil {
		t.Fatal(err)
	}
	devices := []*Device{}
	addOps := []*Operation{}
	for i := 0; i < n; i += 1 {
		device, err := NewDevice()
		if err != nil {
			t.Fatal(err)
		}
		addOp, err := authority.AuthorizeDeviceAt(device.DeviceId, device.PublicKey, timestamp)
		if err != nil {
			t.Fatal(err)
		}
		devices = append(devices, device)
		addOps = append(addOps, addOp)
	}
	return authority, devices, addOps
}

func newTestOp(t *testing.T, userId string, device *Device, timestamp int64, action Action) *Operation {
	op := &Operation{
		Id:        NewId(),
		UserId:    userId,
		DeviceId:  device.DeviceId,
		Timestamp: timestamp,
		Action:    action,
	}
	if err := op.Sign(device.PrivateKey); err != nil {
		t.Fatal(err)
	}
	return op
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) {
	endTime := time.Now().Add(timeout)
	for time.Now().Before(endTime) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timeout waiting for condition")
}
