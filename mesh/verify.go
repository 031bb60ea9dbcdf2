package mesh

import (
	"fmt"
)

// Verifier validates peer supplied operations. It is stateless per
// call; the authorization view it reads belongs to the log.
type Verifier struct {
	identity *Identity
}

func NewVerifier(identity *Identity) *Verifier {
	return &Verifier{
		identity: identity,
	}
}

// Verify returns nil for a valid operation, or one of
// ErrMalformedAction, ErrUnauthorizedDevice, ErrSignatureMismatch.
//
// AddDevice/RemoveDevice verify against the master public key.
// Ordinary operations verify against the device key the authorization
// chain trusted at the operation's own total order position, so a
// revocation never invalidates operations ordered before it.
func (self *Verifier) Verify(op *Operation, view *AuthorizationView) error {
	if op == nil {
		return fmt.Errorf("%w: missing operation", ErrMalformedAction)
	}
	if err := op.Validate(); err != nil {
		return err
	}
	if op.UserId != self.identity.UserId {
		return fmt.Errorf("%w: operation for user %s", ErrUnauthorizedDevice, op.UserId)
	}

	if op.isAuthorizationAction() {
		if !op.VerifySignature(self.identity.MasterPublicKey) {
			return fmt.Errorf("%w: authorization not signed by master key", ErrSignatureMismatch)
		}
		return nil
	}

	publicKey := view.DevicePublicKey(op.DeviceId, op.OrderKey())
	if publicKey == nil {
		return fmt.Errorf("%w: %s", ErrUnauthorizedDevice, op.DeviceId)
	}
	if !op.VerifySignature(publicKey) {
		return fmt.Errorf("%w: %s", ErrSignatureMismatch, op.Id)
	}
	return nil
}
