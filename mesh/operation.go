package mesh

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

type ActionKind string

const (
	ActionAddCard      ActionKind = "addCard"
	ActionUpdateCard   ActionKind = "updateCard"
	ActionMoveCard     ActionKind = "moveCard"
	ActionRemoveCard   ActionKind = "removeCard"
	ActionAddDevice    ActionKind = "addDevice"
	ActionRemoveDevice ActionKind = "removeDevice"
)

// Action is a closed sum over the card and device mutations. Handler
// dispatch is always a type switch over these variants.
type Action interface {
	ActionKind() ActionKind
}

type AddCard struct {
	CardId string `json:"cardId"`
	Title  string `json:"title"`
	Column string `json:"column"`
}

func (self *AddCard) ActionKind() ActionKind {
	return ActionAddCard
}

// UpdateCard overwrites only the fields that are set. Nil fields are
// left untouched by replay.
type UpdateCard struct {
	CardId   string  `json:"cardId"`
	Title    *string `json:"title,omitempty"`
	Column   *string `json:"column,omitempty"`
	Position *int    `json:"position,omitempty"`
}

func (self *UpdateCard) ActionKind() ActionKind {
	return ActionUpdateCard
}

type MoveCard struct {
	CardId   string `json:"cardId"`
	Column   string `json:"column"`
	Position int    `json:"position"`
}

func (self *MoveCard) ActionKind() ActionKind {
	return ActionMoveCard
}

type RemoveCard struct {
	CardId string `json:"cardId"`
}

func (self *RemoveCard) ActionKind() ActionKind {
	return ActionRemoveCard
}

// AddDevice must be signed by the master key.
type AddDevice struct {
	DeviceId string `json:"deviceId"`
	// hex encoded ed25519 public key
	DevicePublicKey string `json:"devicePublicKey"`
}

func (self *AddDevice) ActionKind() ActionKind {
	return ActionAddDevice
}

// RemoveDevice must be signed by the master key. Revocation is not
// retroactive: operations ordered before the remove stay valid.
type RemoveDevice struct {
	DeviceId string `json:"deviceId"`
}

func (self *RemoveDevice) ActionKind() ActionKind {
	return ActionRemoveDevice
}

// actionFrame is the kind-tagged wire envelope for an action.
type actionFrame struct {
	Kind ActionKind      `json:"kind"`
	Body json.RawMessage `json:"body"`
}

func toActionFrame(action Action) (*actionFrame, error) {
	if action == nil {
		return nil, fmt.Errorf("%w: missing action", ErrMalformedAction)
	}
	b, err := json.Marshal(action)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedAction, err)
	}
	return &actionFrame{
		Kind: action.ActionKind(),
		Body: b,
	}, nil
}

func fromActionFrame(frame *actionFrame) (Action, error) {
	if frame == nil {
		return nil, fmt.Errorf("%w: missing action", ErrMalformedAction)
	}
	var action Action
	switch frame.Kind {
	case ActionAddCard:
		action = &AddCard{}
	case ActionUpdateCard:
		action = &UpdateCard{}
	case ActionMoveCard:
		action = &MoveCard{}
	case ActionRemoveCard:
		action = &RemoveCard{}
	case ActionAddDevice:
		action = &AddDevice{}
	case ActionRemoveDevice:
		action = &RemoveDevice{}
	default:
		return nil, fmt.Errorf("%w: unknown action kind %q", ErrMalformedAction, frame.Kind)
	}
	if err := json.Unmarshal(frame.Body, action); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedAction, err)
	}
	return action, nil
}

// Operation is the immutable unit of truth. The signature covers the
// canonical serialization of all the other fields.
type Operation struct {
	Id        string
	UserId    string
	DeviceId  string
	Timestamp int64
	Action    Action
	Signature []byte
}

// wireOperation fixes the canonical field order. Field order in the
// struct is the field order in the serialized bytes, so this must not
// be reordered.
type wireOperation struct {
	Id        string       `json:"id"`
	UserId    string       `json:"userId"`
	DeviceId  string       `json:"deviceId"`
	Timestamp int64        `json:"timestamp"`
	Action    *actionFrame `json:"action"`
	Signature []byte       `json:"signature,omitempty"`
}

func (self *Operation) MarshalJSON() ([]byte, error) {
	frame, err := toActionFrame(self.Action)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&wireOperation{
		Id:        self.Id,
		UserId:    self.UserId,
		DeviceId:  self.DeviceId,
		Timestamp: self.Timestamp,
		Action:    frame,
		Signature: self.Signature,
	})
}

func (self *Operation) UnmarshalJSON(b []byte) error {
	wire := &wireOperation{}
	if err := json.Unmarshal(b, wire); err != nil {
		return err
	}
	action, err := fromActionFrame(wire.Action)
	if err != nil {
		return err
	}
	self.Id = wire.Id
	self.UserId = wire.UserId
	self.DeviceId = wire.DeviceId
	self.Timestamp = wire.Timestamp
	self.Action = action
	self.Signature = wire.Signature
	return nil
}

// SigningBytes is the canonical serialization the signature is over.
// It is recomputed from the decoded fields, never taken from incoming
// wire bytes, so verification is reproducible regardless of how a peer
// ordered its JSON keys.
func (self *Operation) SigningBytes() ([]byte, error) {
	frame, err := toActionFrame(self.Action)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&wireOperation{
		Id:        self.Id,
		UserId:    self.UserId,
		DeviceId:  self.DeviceId,
		Timestamp: self.Timestamp,
		Action:    frame,
	})
}

func (self *Operation) Sign(privateKey ed25519.PrivateKey) error {
	if len(privateKey) != ed25519.PrivateKeySize {
		return fmt.Errorf("private key must be %d bytes", ed25519.PrivateKeySize)
	}
	b, err := self.SigningBytes()
	if err != nil {
		return err
	}
	self.Signature = ed25519.Sign(privateKey, b)
	return nil
}

// VerifySignature returns false for any malformed input rather than
// erroring. Peer supplied bytes are adversarial until this passes.
func (self *Operation) VerifySignature(publicKey ed25519.PublicKey) bool {
	if len(publicKey) != ed25519.PublicKeySize {
		return false
	}
	if len(self.Signature) != ed25519.SignatureSize {
		return false
	}
	b, err := self.SigningBytes()
	if err != nil {
		return false
	}
	return ed25519.Verify(publicKey, b, self.Signature)
}

// Validate checks structural soundness only. Signature and
// authorization checks live in the verifier.
func (self *Operation) Validate() error {
	if self.Id == "" || self.UserId == "" || self.DeviceId == "" {
		return fmt.Errorf("%w: missing id fields", ErrMalformedAction)
	}
	switch a := self.Action.(type) {
	case *AddCard:
		if a.CardId == "" {
			return fmt.Errorf("%w: addCard missing cardId", ErrMalformedAction)
		}
	case *UpdateCard:
		if a.CardId == "" {
			return fmt.Errorf("%w: updateCard missing cardId", ErrMalformedAction)
		}
	case *MoveCard:
		if a.CardId == "" {
			return fmt.Errorf("%w: moveCard missing cardId", ErrMalformedAction)
		}
	case *RemoveCard:
		if a.CardId == "" {
			return fmt.Errorf("%w: removeCard missing cardId", ErrMalformedAction)
		}
	case *AddDevice:
		if a.DeviceId == "" {
			return fmt.Errorf("%w: addDevice missing deviceId", ErrMalformedAction)
		}
		keyBytes, err := hex.DecodeString(a.DevicePublicKey)
		if err != nil || len(keyBytes) != ed25519.PublicKeySize {
			return fmt.Errorf("%w: addDevice bad device public key", ErrMalformedAction)
		}
	case *RemoveDevice:
		if a.DeviceId == "" {
			return fmt.Errorf("%w: removeDevice missing deviceId", ErrMalformedAction)
		}
	default:
		return fmt.Errorf("%w: missing action", ErrMalformedAction)
	}
	return nil
}

func (self *Operation) isAuthorizationAction() bool {
	switch self.Action.(type) {
	case *AddDevice, *RemoveDevice:
		return true
	default:
		return false
	}
}

// OrderKey linearizes all operations identically on every replica:
// timestamp ascending, then device id as a string, then operation id.
type OrderKey struct {
	Timestamp int64
	DeviceId  string
	Id        string
}

func (self *Operation) OrderKey() OrderKey {
	return OrderKey{
		Timestamp: self.Timestamp,
		DeviceId:  self.DeviceId,
		Id:        self.Id,
	}
}

func (self OrderKey) Less(other OrderKey) bool {
	return self.Compare(other) < 0
}

func (self OrderKey) Compare(other OrderKey) int {
	if self.Timestamp != other.Timestamp {
		if self.Timestamp < other.Timestamp {
			return -1
		}
		return 1
	}
	if self.DeviceId != other.DeviceId {
		return bytes.Compare([]byte(self.DeviceId), []byte(other.DeviceId))
	}
	return bytes.Compare([]byte(self.Id), []byte(other.Id))
}

// CompareOrder is the sort function for replay.
func CompareOrder(a *Operation, b *Operation) int {
	return a.OrderKey().Compare(b.OrderKey())
}
