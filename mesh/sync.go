package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

type SyncState string

const (
	SyncStateIdle         SyncState = "idle"
	SyncStateDiscovered   SyncState = "discovered"
	SyncStateHandshaking  SyncState = "handshaking"
	SyncStateNegotiating  SyncState = "negotiating"
	SyncStateConnected    SyncState = "connected"
	SyncStateExchanging   SyncState = "exchanging"
	SyncStateDisconnected SyncState = "disconnected"
	SyncStateFailed       SyncState = "failed"
)

func (self SyncState) Live() bool {
	switch self {
	case SyncStateHandshaking, SyncStateNegotiating, SyncStateConnected, SyncStateExchanging:
		return true
	default:
		return false
	}
}

const (
	msgHello   = "hello"
	msgDigest  = "digest"
	msgRequest = "request"
	msgOps     = "ops"
	msgPush    = "push"
)

type syncMessage struct {
	Type       string       `json:"type"`
	UserId     string       `json:"userId,omitempty"`
	DeviceId   string       `json:"deviceId,omitempty"`
	Proto      int          `json:"proto,omitempty"`
	Digest     *Digest      `json:"digest,omitempty"`
	Operations []*Operation `json:"operations,omitempty"`
	Operation  *Operation   `json:"operation,omitempty"`
}

type SyncSessionSettings struct {
	// covers dial/negotiation and each handshake step
	HandshakeTimeout time.Duration
	PushBufferSize   int
}

func DefaultSyncSessionSettings() *SyncSessionSettings {
	return &SyncSessionSettings{
		HandshakeTimeout: 10 * time.Second,
		PushBufferSize:   64,
	}
}

// TransportDialFunc negotiates a reliable ordered channel to a peer.
// Automatic offer/answer and the manual code fallback both end here.
type TransportDialFunc func(ctx context.Context) (Transport, error)

// SyncSession is the per peer protocol state machine: handshake,
// digest exchange, delta transfer, then incremental push. Sessions are
// fully independent of each other; a hung peer only ever stalls its
// own session.
type SyncSession struct {
	ctx    context.Context
	cancel context.CancelFunc

	peerId   string
	identity *Identity
	deviceId string

	log    *OperationLog
	engine *MergeEngine
	// invoked once per applied batch, never per operation
	publish func(*BoardSnapshot)

	dial      TransportDialFunc
	transport Transport
	settings  *SyncSessionSettings

	// invoked once when the handshake completes
	connected func(*SyncSession)

	stateMutex     sync.Mutex
	state          SyncState
	remoteDeviceId string

	pushes chan *Operation
}

func NewSyncSession(
	ctx context.Context,
	peerId string,
	identity *Identity,
	deviceId string,
	log *OperationLog,
	engine *MergeEngine,
	publish func(*BoardSnapshot),
	transport Transport,
	settings *SyncSessionSettings,
) *SyncSession {
	return newSyncSession(ctx, peerId, identity, deviceId, log, engine, publish, transport, nil, nil, settings)
}

// NewSyncSessionWithDial starts in Negotiating and only reaches
// Handshaking once the dial produces a channel.
func NewSyncSessionWithDial(
	ctx context.Context,
	peerId string,
	identity *Identity,
	deviceId string,
	log *OperationLog,
	engine *MergeEngine,
	publish func(*BoardSnapshot),
	dial TransportDialFunc,
	settings *SyncSessionSettings,
) *SyncSession {
	return newSyncSession(ctx, peerId, identity, deviceId, log, engine, publish, nil, dial, nil, settings)
}

func newSyncSession(
	ctx context.Context,
	peerId string,
	identity *Identity,
	deviceId string,
	log *OperationLog,
	engine *MergeEngine,
	publish func(*BoardSnapshot),
	transport Transport,
	dial TransportDialFunc,
	connected func(*SyncSession),
	settings *SyncSessionSettings,
) *SyncSession {
	cancelCtx, cancel := context.WithCancel(ctx)
	state := SyncStateHandshaking
	if transport == nil {
		state = SyncStateNegotiating
	}
	session := &SyncSession{
		ctx:       cancelCtx,
		cancel:    cancel,
		peerId:    peerId,
		identity:  identity,
		deviceId:  deviceId,
		log:       log,
		engine:    engine,
		publish:   publish,
		dial:      dial,
		transport: transport,
		connected: connected,
		settings:  settings,
		state:     state,
		pushes:    make(chan *Operation, settings.PushBufferSize),
	}
	go session.run()
	return session
}

func (self *SyncSession) PeerId() string {
	return self.peerId
}

func (self *SyncSession) State() SyncState {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	return self.state
}

// RemoteDeviceId is the device id the peer identified itself with in
// the hello, or empty before the handshake completes.
func (self *SyncSession) RemoteDeviceId() string {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	return self.remoteDeviceId
}

func (self *SyncSession) setState(state SyncState) {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	if self.state == SyncStateFailed || self.state == SyncStateDisconnected {
		// final
		return
	}
	self.state = state
	glog.V(1).Infof("[ss]%s state %s\n", self.peerId, state)
}

// Done closes when the session has fully ended and released its
// transport.
func (self *SyncSession) Done() <-chan struct{} {
	return self.ctx.Done()
}

// Cancel ends the session immediately. Safe in any state; a canceled
// Handshaking/Negotiating session releases the transport and can never
// deliver operations later.
func (self *SyncSession) Cancel() {
	self.stateMutex.Lock()
	switch self.state {
	case SyncStateConnected, SyncStateExchanging:
		self.state = SyncStateDisconnected
	case SyncStateDisconnected:
	default:
		self.state = SyncStateFailed
	}
	transport := self.transport
	self.stateMutex.Unlock()
	self.cancel()
	if transport != nil {
		transport.Close()
	}
}

// Push sends one locally created operation to the peer. Non blocking:
// under backpressure the operation is dropped here and recovered by
// the next digest exchange.
func (self *SyncSession) Push(op *Operation) {
	select {
	case self.pushes <- op:
	default:
		glog.Infof("[ss]%s push full, dropping %s\n", self.peerId, op.Id)
	}
}

func (self *SyncSession) run() {
	defer func() {
		if self.transport != nil {
			self.transport.Close()
		}
		self.cancel()
	}()

	if self.transport == nil {
		dialCtx, dialCancel := context.WithTimeout(self.ctx, self.settings.HandshakeTimeout)
		transport, err := self.dial(dialCtx)
		dialCancel()
		if err != nil {
			glog.Infof("[ss]%s negotiate error = %s\n", self.peerId, err)
			self.setState(SyncStateFailed)
			return
		}
		self.stateMutex.Lock()
		self.transport = transport
		self.stateMutex.Unlock()
		self.setState(SyncStateHandshaking)
	}

	remoteDeviceId, remoteDigest, err := self.handshake()
	if err != nil {
		glog.Infof("[ss]%s handshake error = %s\n", self.peerId, err)
		self.setState(SyncStateFailed)
		return
	}
	self.stateMutex.Lock()
	self.remoteDeviceId = remoteDeviceId
	self.stateMutex.Unlock()
	self.setState(SyncStateConnected)
	if self.connected != nil {
		self.connected(self)
	}

	go self.pushLoop()

	self.exchangeLoop(remoteDeviceId, remoteDigest)
	self.setState(SyncStateDisconnected)
}

// handshake exchanges hello then digest, each step under the bounded
// timeout. A peer from another account fails the session here.
func (self *SyncSession) handshake() (string, *Digest, error) {
	if err := self.send(&syncMessage{
		Type:     msgHello,
		UserId:   self.identity.UserId,
		DeviceId: self.deviceId,
		Proto:    ProtocolVersion,
	}); err != nil {
		return "", nil, err
	}

	hello, err := self.receive(self.settings.HandshakeTimeout)
	if err != nil {
		return "", nil, err
	}
	if hello.Type != msgHello {
		return "", nil, fmt.Errorf("expected hello, got %s", hello.Type)
	}
	if hello.Proto != ProtocolVersion {
		return "", nil, fmt.Errorf("protocol mismatch: %d", hello.Proto)
	}
	if hello.UserId != self.identity.UserId {
		return "", nil, fmt.Errorf("%w: peer user %s", ErrUnauthorizedDevice, hello.UserId)
	}

	localDigest := self.log.Digest()
	if err := self.send(&syncMessage{
		Type:   msgDigest,
		Digest: &localDigest,
	}); err != nil {
		return "", nil, err
	}

	digest, err := self.receive(self.settings.HandshakeTimeout)
	if err != nil {
		return "", nil, err
	}
	if digest.Type != msgDigest || digest.Digest == nil {
		return "", nil, fmt.Errorf("expected digest, got %s", digest.Type)
	}
	return hello.DeviceId, digest.Digest, nil
}

// requestsFirst decides which side asks for the delta. Both sides
// evaluate the same rule, so exactly one side requests.
func (self *SyncSession) requestsFirst(localDigest Digest, remoteDigest *Digest, remoteDeviceId string) bool {
	if localDigest.Count != remoteDigest.Count {
		return localDigest.Count < remoteDigest.Count
	}
	return self.deviceId < remoteDeviceId
}

func (self *SyncSession) exchangeLoop(remoteDeviceId string, remoteDigest *Digest) {
	localDigest := self.log.Digest()
	awaitingOps := false

	if localDigest != *remoteDigest {
		self.setState(SyncStateExchanging)
		if self.requestsFirst(localDigest, remoteDigest, remoteDeviceId) {
			if err := self.send(&syncMessage{Type: msgRequest}); err != nil {
				return
			}
			awaitingOps = true
		}
	}

	for {
		message, err := self.receive(0)
		if err != nil {
			if !errors.Is(err, ErrTransportClosed) {
				// adversarial input is dropped, not fatal
				glog.V(1).Infof("[ss]%s bad message = %s\n", self.peerId, err)
				continue
			}
			return
		}

		switch message.Type {
		case msgRequest:
			if err := self.send(&syncMessage{
				Type:       msgOps,
				Operations: self.log.All(),
			}); err != nil {
				return
			}
		case msgOps:
			result := self.log.Merge(message.Operations)
			glog.V(1).Infof("[ss]%s merge accepted=%d rejected=%d\n", self.peerId, result.Accepted, result.Rejected)
			// coalesced: one rebuild per batch, not per operation
			snapshot := self.engine.Rebuild(self.log.All())
			self.publish(snapshot)
			if awaitingOps {
				awaitingOps = false
				if err := self.send(&syncMessage{
					Type:       msgOps,
					Operations: self.log.All(),
				}); err != nil {
					return
				}
			}
			self.setState(SyncStateConnected)
		case msgPush:
			if message.Operation == nil {
				continue
			}
			accepted, err := self.log.Append(message.Operation)
			if err != nil {
				glog.V(1).Infof("[ss]%s drop push %s = %s\n", self.peerId, message.Operation.Id, err)
				continue
			}
			if accepted {
				snapshot := self.engine.Apply([]*Operation{message.Operation})
				self.publish(snapshot)
			}
		case msgDigest:
			// peer re-announced its digest mid session
			if message.Digest != nil {
				localDigest := self.log.Digest()
				if localDigest != *message.Digest && localDigest.Count <= message.Digest.Count {
					self.setState(SyncStateExchanging)
					if err := self.send(&syncMessage{Type: msgRequest}); err != nil {
						return
					}
					awaitingOps = true
				}
			}
		default:
			glog.V(1).Infof("[ss]%s unknown message %s\n", self.peerId, message.Type)
		}
	}
}

func (self *SyncSession) pushLoop() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case op := <-self.pushes:
			if err := self.send(&syncMessage{
				Type:      msgPush,
				Operation: op,
			}); err != nil {
				// a session that cannot push is over; the next
				// announce drives the reconnect
				glog.V(1).Infof("[ss]%s push error = %s\n", self.peerId, err)
				self.Cancel()
				return
			}
		}
	}
}

func (self *SyncSession) send(message *syncMessage) error {
	b, err := json.Marshal(message)
	if err != nil {
		return err
	}
	return self.transport.Send(b)
}

// receive reads one frame, optionally bounded by a timeout. A zero
// timeout waits until the channel closes.
func (self *SyncSession) receive(timeout time.Duration) (*syncMessage, error) {
	var timeoutAfter <-chan time.Time
	if 0 < timeout {
		timeoutAfter = time.After(timeout)
	}
	select {
	case <-self.ctx.Done():
		return nil, ErrTransportClosed
	case b, ok := <-self.transport.Receive():
		if !ok {
			return nil, ErrTransportClosed
		}
		message := &syncMessage{}
		if err := json.Unmarshal(b, message); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedAction, err)
		}
		return message, nil
	case <-timeoutAfter:
		return nil, ErrHandshakeTimeout
	}
}
