package mesh

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"slices"
)

// Identity is the account anchor. One per account, created once,
// never mutated. The master private key signs device authorizations
// only, never ordinary operations.
type Identity struct {
	UserId          string `json:"userId"`
	MasterPublicKey []byte `json:"masterPublicKey"`
}

// Device is one installation. The private key never leaves the device.
type Device struct {
	DeviceId   string             `json:"deviceId"`
	PublicKey  ed25519.PublicKey  `json:"publicKey"`
	PrivateKey ed25519.PrivateKey `json:"privateKey,omitempty"`
}

func NewDevice() (*Device, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate device key: %w", err)
	}
	return &Device{
		DeviceId:   NewId(),
		PublicKey:  pub,
		PrivateKey: priv,
	}, nil
}

// IdentityAuthority holds the identity and, on the device that created
// the account, the master private key. A verify-only authority (no
// private key) can check the chain but not extend it.
type IdentityAuthority struct {
	identity         *Identity
	masterPrivateKey ed25519.PrivateKey
}

// CreateIdentity generates the master keypair. Done once, offline.
func CreateIdentity() (*IdentityAuthority, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate master key: %w", err)
	}
	return &IdentityAuthority{
		identity: &Identity{
			UserId:          NewId(),
			MasterPublicKey: pub,
		},
		masterPrivateKey: priv,
	}, nil
}

func NewIdentityAuthority(identity *Identity) *IdentityAuthority {
	return &IdentityAuthority{
		identity: identity,
	}
}

func (self *IdentityAuthority) Identity() *Identity {
	return self.identity
}

func (self *IdentityAuthority) CanSign() bool {
	return self.masterPrivateKey != nil
}

// AuthorizeDevice signs the device public key with the master key. The
// returned AddDevice operation is inserted into the log so it
// propagates like any other operation.
func (self *IdentityAuthority) AuthorizeDevice(deviceId string, devicePublicKey ed25519.PublicKey) (*Operation, error) {
	return self.AuthorizeDeviceAt(deviceId, devicePublicKey, NowMilli())
}

func (self *IdentityAuthority) AuthorizeDeviceAt(deviceId string, devicePublicKey ed25519.PublicKey, timestamp int64) (*Operation, error) {
	if self.masterPrivateKey == nil {
		return nil, ErrNotMasterKey
	}
	if len(devicePublicKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: bad device public key", ErrMalformedAction)
	}
	op := &Operation{
		Id:        NewId(),
		UserId:    self.identity.UserId,
		DeviceId:  deviceId,
		Timestamp: timestamp,
		Action: &AddDevice{
			DeviceId:        deviceId,
			DevicePublicKey: hex.EncodeToString(devicePublicKey),
		},
	}
	if err := op.Sign(self.masterPrivateKey); err != nil {
		return nil, err
	}
	return op, nil
}

func (self *IdentityAuthority) RevokeDevice(deviceId string) (*Operation, error) {
	return self.RevokeDeviceAt(deviceId, NowMilli())
}

func (self *IdentityAuthority) RevokeDeviceAt(deviceId string, timestamp int64) (*Operation, error) {
	if self.masterPrivateKey == nil {
		return nil, ErrNotMasterKey
	}
	op := &Operation{
		Id:        NewId(),
		UserId:    self.identity.UserId,
		DeviceId:  deviceId,
		Timestamp: timestamp,
		Action: &RemoveDevice{
			DeviceId: deviceId,
		},
	}
	if err := op.Sign(self.masterPrivateKey); err != nil {
		return nil, err
	}
	return op, nil
}

// authEvent is one accepted AddDevice or RemoveDevice, positioned in
// the total order.
type authEvent struct {
	key       OrderKey
	add       bool
	publicKey ed25519.PublicKey
}

// AuthorizationView is the device trust chain derived from the
// accepted AddDevice/RemoveDevice operations. It is rebuilt whenever
// an authorization operation enters the log.
type AuthorizationView struct {
	identity *Identity
	events   map[string][]authEvent
}

// NewAuthorizationView indexes the authorization operations in ops.
// Operations that do not verify against the master key are ignored.
func NewAuthorizationView(identity *Identity, ops []*Operation) *AuthorizationView {
	view := &AuthorizationView{
		identity: identity,
		events:   map[string][]authEvent{},
	}
	for _, op := range ops {
		if !op.isAuthorizationAction() {
			continue
		}
		if !op.VerifySignature(identity.MasterPublicKey) {
			continue
		}
		switch a := op.Action.(type) {
		case *AddDevice:
			keyBytes, err := hex.DecodeString(a.DevicePublicKey)
			if err != nil || len(keyBytes) != ed25519.PublicKeySize {
				continue
			}
			view.events[a.DeviceId] = append(view.events[a.DeviceId], authEvent{
				key:       op.OrderKey(),
				add:       true,
				publicKey: ed25519.PublicKey(keyBytes),
			})
		case *RemoveDevice:
			view.events[a.DeviceId] = append(view.events[a.DeviceId], authEvent{
				key: op.OrderKey(),
				add: false,
			})
		}
	}
	for _, events := range view.events {
		slices.SortFunc(events, func(a authEvent, b authEvent) int {
			return a.key.Compare(b.key)
		})
	}
	return view
}

// IsAuthorized evaluates the chain at a total order position. The most
// recent authorization event strictly before `at` decides; revocation
// is not retroactive, so operations ordered before a RemoveDevice stay
// authorized.
func (self *AuthorizationView) IsAuthorized(deviceId string, at OrderKey) bool {
	return self.DevicePublicKey(deviceId, at) != nil
}

// DevicePublicKey returns the key the device was trusted with at the
// given position, or nil if the device was not authorized there.
func (self *AuthorizationView) DevicePublicKey(deviceId string, at OrderKey) ed25519.PublicKey {
	var current ed25519.PublicKey
	for _, event := range self.events[deviceId] {
		if !event.key.Less(at) {
			break
		}
		if event.add {
			current = event.publicKey
		} else {
			current = nil
		}
	}
	return current
}

// identityFile is the on-disk form. The master private key is present
// only on the creating device and never transmitted.
type identityFile struct {
	Identity         *Identity `json:"identity"`
	MasterPrivateKey []byte    `json:"masterPrivateKey,omitempty"`
}

func (self *IdentityAuthority) Save(path string) error {
	b, err := json.MarshalIndent(&identityFile{
		Identity:         self.identity,
		MasterPrivateKey: self.masterPrivateKey,
	}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0600)
}

func LoadIdentityAuthority(path string) (*IdentityAuthority, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	file := &identityFile{}
	if err := json.Unmarshal(b, file); err != nil {
		return nil, err
	}
	if file.Identity == nil {
		return nil, fmt.Errorf("identity file missing identity")
	}
	return &IdentityAuthority{
		identity:         file.Identity,
		masterPrivateKey: file.MasterPrivateKey,
	}, nil
}

func (self *Device) Save(path string) error {
	b, err := json.MarshalIndent(self, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0600)
}

func LoadDevice(path string) (*Device, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	device := &Device{}
	if err := json.Unmarshal(b, device); err != nil {
		return nil, err
	}
	return device, nil
}
