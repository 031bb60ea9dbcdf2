package mesh

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/golang/glog"
)

type NodeSettings struct {
	SyncSessionSettings *SyncSessionSettings
	WsSettings          *WsTransportSettings
}

func DefaultNodeSettings() *NodeSettings {
	return &NodeSettings{
		SyncSessionSettings: DefaultSyncSessionSettings(),
		WsSettings:          DefaultWsTransportSettings(),
	}
}

type SnapshotListener func(snapshot *BoardSnapshot)

// Node wires one device's authoritative log to the local edit path and
// any number of peer sessions. All appends serialize through the log;
// the snapshot is republished once per batch, so staleness between an
// append and the next rebuild is bounded by the next publish.
type Node struct {
	ctx    context.Context
	cancel context.CancelFunc

	authority *IdentityAuthority
	device    *Device
	log       *OperationLog
	engine    *MergeEngine
	settings  *NodeSettings

	sessionMutex sync.Mutex
	sessions     map[string]*SyncSession

	snapshotCallbacks *callbackList[SnapshotListener]
}

func NewNodeWithDefaults(ctx context.Context, authority *IdentityAuthority, device *Device, persistence Persistence) (*Node, error) {
	return NewNode(ctx, authority, device, persistence, DefaultNodeSettings())
}

func NewNode(ctx context.Context, authority *IdentityAuthority, device *Device, persistence Persistence, settings *NodeSettings) (*Node, error) {
	log, err := NewOperationLog(authority.Identity(), persistence)
	if err != nil {
		return nil, err
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	node := &Node{
		ctx:               cancelCtx,
		cancel:            cancel,
		authority:         authority,
		device:            device,
		log:               log,
		engine:            NewMergeEngine(),
		settings:          settings,
		sessions:          map[string]*SyncSession{},
		snapshotCallbacks: newCallbackList[SnapshotListener](),
	}
	node.engine.Rebuild(log.All())
	return node, nil
}

func (self *Node) Log() *OperationLog {
	return self.log
}

func (self *Node) Device() *Device {
	return self.device
}

func (self *Node) Identity() *Identity {
	return self.authority.Identity()
}

func (self *Node) Snapshot() *BoardSnapshot {
	return self.engine.Snapshot()
}

// AddSnapshotListener registers a listener for republished snapshots.
// Returns the unsubscribe function.
func (self *Node) AddSnapshotListener(listener SnapshotListener) func() {
	return self.snapshotCallbacks.add(listener)
}

func (self *Node) publish(snapshot *BoardSnapshot) {
	for _, listener := range self.snapshotCallbacks.get() {
		listener(snapshot)
	}
}

// newOperation creates, signs, appends, applies, and fans out one
// local edit.
func (self *Node) newOperation(action Action) (*Operation, error) {
	op := &Operation{
		Id:        NewId(),
		UserId:    self.authority.Identity().UserId,
		DeviceId:  self.device.DeviceId,
		Timestamp: NowMilli(),
		Action:    action,
	}
	if err := op.Sign(self.device.PrivateKey); err != nil {
		return nil, err
	}
	accepted, err := self.log.Append(op)
	if err != nil {
		return nil, err
	}
	if accepted {
		self.publish(self.engine.Apply([]*Operation{op}))
		self.pushToSessions(op)
	}
	return op, nil
}

// AddCard creates a card in a column. The generated card id is on the
// returned operation's action.
func (self *Node) AddCard(title string, column string) (*Operation, error) {
	return self.newOperation(&AddCard{
		CardId: NewId(),
		Title:  title,
		Column: column,
	})
}

func (self *Node) UpdateCard(cardId string, title *string, column *string, position *int) (*Operation, error) {
	return self.newOperation(&UpdateCard{
		CardId:   cardId,
		Title:    title,
		Column:   column,
		Position: position,
	})
}

func (self *Node) MoveCard(cardId string, column string, position int) (*Operation, error) {
	return self.newOperation(&MoveCard{
		CardId:   cardId,
		Column:   column,
		Position: position,
	})
}

func (self *Node) RemoveCard(cardId string) (*Operation, error) {
	return self.newOperation(&RemoveCard{
		CardId: cardId,
	})
}

// AuthorizeDevice signs an AddDevice with the master key and inserts
// it like any other operation. Fails with ErrNotMasterKey on a node
// whose identity file has no master private key.
func (self *Node) AuthorizeDevice(device *Device) (*Operation, error) {
	op, err := self.authority.AuthorizeDevice(device.DeviceId, device.PublicKey)
	if err != nil {
		return nil, err
	}
	return self.insertAuthorization(op)
}

func (self *Node) RevokeDevice(deviceId string) (*Operation, error) {
	op, err := self.authority.RevokeDevice(deviceId)
	if err != nil {
		return nil, err
	}
	return self.insertAuthorization(op)
}

func (self *Node) insertAuthorization(op *Operation) (*Operation, error) {
	accepted, err := self.log.Append(op)
	if err != nil {
		return nil, err
	}
	if accepted {
		self.publish(self.engine.Apply([]*Operation{op}))
		self.pushToSessions(op)
	}
	return op, nil
}

// Merge folds a batch of externally obtained operations (import,
// seeding) through the normal gated path with one coalesced rebuild.
func (self *Node) Merge(ops []*Operation) MergeResult {
	result := self.log.Merge(ops)
	if 0 < result.Accepted {
		self.publish(self.engine.Rebuild(self.log.All()))
		for _, op := range ops {
			if op != nil && self.log.Has(op.Id) {
				self.pushToSessions(op)
			}
		}
	}
	return result
}

func (self *Node) pushToSessions(op *Operation) {
	self.sessionMutex.Lock()
	defer self.sessionMutex.Unlock()
	for _, session := range self.sessions {
		switch session.State() {
		case SyncStateConnected, SyncStateExchanging:
			session.Push(op)
		}
	}
}

// HandlePeer attaches an inbound transport as a session.
func (self *Node) HandlePeer(peerId string, transport Transport) *SyncSession {
	return self.addSession(peerId, func() *SyncSession {
		return NewSyncSession(
			self.ctx,
			peerId,
			self.authority.Identity(),
			self.device.DeviceId,
			self.log,
			self.engine,
			self.publish,
			transport,
			self.settings.SyncSessionSettings,
		)
	})
}

// handleInbound attaches an accepted transport under a placeholder id.
// The peer identifies itself in the handshake hello; once that
// completes the session is rekeyed to the remote device id, so a
// redial from the same device collapses onto one session.
func (self *Node) handleInbound(transport Transport) *SyncSession {
	peerId := fmt.Sprintf("in-%s", NewId())
	return self.addSession(peerId, func() *SyncSession {
		return newSyncSession(
			self.ctx,
			peerId,
			self.authority.Identity(),
			self.device.DeviceId,
			self.log,
			self.engine,
			self.publish,
			transport,
			nil,
			self.sessionIdentified,
			self.settings.SyncSessionSettings,
		)
	})
}

func (self *Node) sessionIdentified(session *SyncSession) {
	remoteDeviceId := session.RemoteDeviceId()
	if remoteDeviceId == "" || remoteDeviceId == session.PeerId() {
		return
	}

	var duplicate *SyncSession
	self.sessionMutex.Lock()
	existing := self.sessions[remoteDeviceId]
	if existing != nil && existing != session && existing.State().Live() {
		// the remote redialed while a session is already up; keep the
		// established one
		duplicate = session
	} else {
		delete(self.sessions, session.PeerId())
		self.sessions[remoteDeviceId] = session
		if existing != nil && existing != session {
			duplicate = existing
		}
	}
	self.sessionMutex.Unlock()

	if duplicate != nil {
		glog.V(1).Infof("[n]duplicate session for %s\n", remoteDeviceId)
		duplicate.Cancel()
	}
}

// ConnectPeer dials a peer's connect descriptor and runs a session
// over it.
func (self *Node) ConnectPeer(peerId string, connectDescriptor string) *SyncSession {
	return self.addSession(peerId, func() *SyncSession {
		return NewSyncSessionWithDial(
			self.ctx,
			peerId,
			self.authority.Identity(),
			self.device.DeviceId,
			self.log,
			self.engine,
			self.publish,
			func(ctx context.Context) (Transport, error) {
				return DialWs(ctx, connectDescriptor, self.settings.WsSettings)
			},
			self.settings.SyncSessionSettings,
		)
	})
}

func (self *Node) addSession(peerId string, create func() *SyncSession) *SyncSession {
	self.sessionMutex.Lock()
	defer self.sessionMutex.Unlock()

	if session, ok := self.sessions[peerId]; ok {
		if session.State().Live() {
			// repeat announcements of a live peer are no-ops
			return session
		}
		delete(self.sessions, peerId)
	}

	session := create()
	self.sessions[peerId] = session
	go func() {
		select {
		case <-session.Done():
		}
		self.sessionMutex.Lock()
		// an inbound session may have been rekeyed to its hello
		// device id, so match by value
		for key, s := range self.sessions {
			if s == session {
				delete(self.sessions, key)
			}
		}
		self.sessionMutex.Unlock()
	}()
	return session
}

func (self *Node) Session(peerId string) *SyncSession {
	self.sessionMutex.Lock()
	defer self.sessionMutex.Unlock()
	return self.sessions[peerId]
}

// RunDiscovery consumes announce events until the discovery stream or
// the node closes. Reconnection after a failed session is driven by
// the next announce, never by an internal retry loop.
func (self *Node) RunDiscovery(discovery Discovery) {
	for {
		select {
		case <-self.ctx.Done():
			return
		case event, ok := <-discovery.Announced():
			if !ok {
				return
			}
			if event.PeerId == self.device.DeviceId {
				continue
			}
			glog.V(1).Infof("[n]announced %s %s\n", event.PeerId, event.ConnectDescriptor)
			self.ConnectPeer(event.PeerId, event.ConnectDescriptor)
		}
	}
}

// Serve accepts inbound transports from a listener.
func (self *Node) Serve(listener *WsListener) {
	for {
		select {
		case <-self.ctx.Done():
			return
		case transport, ok := <-listener.Accept():
			if !ok {
				return
			}
			self.handleInbound(transport)
		}
	}
}

// Export writes the full operation set as a self-contained,
// re-verifiable JSON record list.
func (self *Node) Export(w io.Writer) error {
	return ExportOperations(w, self.log.All())
}

// Import folds an exported record list through the verifier gated
// merge path.
func (self *Node) Import(r io.Reader) (MergeResult, error) {
	ops, err := ImportOperations(r)
	if err != nil {
		return MergeResult{}, err
	}
	return self.Merge(ops), nil
}

func (self *Node) Cancel() {
	self.cancel()
	self.sessionMutex.Lock()
	sessions := make([]*SyncSession, 0, len(self.sessions))
	for _, session := range self.sessions {
		sessions = append(sessions, session)
	}
	self.sessionMutex.Unlock()
	for _, session := range sessions {
		session.Cancel()
	}
}
