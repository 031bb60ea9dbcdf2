package mesh

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

// PeerAnnounced is one "peer became reachable" event. The connect
// descriptor is opaque to the core; for the ws transport it is the
// peer's listen url.
type PeerAnnounced struct {
	PeerId            string `json:"peerId"`
	ConnectDescriptor string `json:"connectDescriptor"`
}

// Discovery produces a lazy, unbounded sequence of announce events.
// Duplicates and reordering are tolerated by the consumer.
type Discovery interface {
	Announced() <-chan PeerAnnounced
	Close()
}

// signalMessage is the room relay record, compatible with the signal
// server. Unknown types pass through the server untouched.
type signalMessage struct {
	Type       string `json:"type"`
	Room       string `json:"room,omitempty"`
	Token      string `json:"token,omitempty"`
	PeerId     string `json:"peerId,omitempty"`
	Descriptor string `json:"descriptor,omitempty"`
}

type SignalDiscoverySettings struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
	// re-announce interval; repeats are cheap and tolerated
	AnnounceTimeout time.Duration
	// optional room token minted by the signal operator
	RoomToken string
}

func DefaultSignalDiscoverySettings() *SignalDiscoverySettings {
	return &SignalDiscoverySettings{
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadTimeout:      60 * time.Second,
		AnnounceTimeout:  15 * time.Second,
	}
}

// SignalDiscovery joins a room on the signaling server, announces this
// peer's connect descriptor, and surfaces other peers' announcements.
// One connection per value; when the channel drops the announce stream
// closes and the owner decides whether to create a new one.
type SignalDiscovery struct {
	ctx    context.Context
	cancel context.CancelFunc

	signalUrl  string
	room       string
	peerId     string
	descriptor string
	settings   *SignalDiscoverySettings

	announced chan PeerAnnounced
}

func NewSignalDiscovery(
	ctx context.Context,
	signalUrl string,
	room string,
	peerId string,
	descriptor string,
	settings *SignalDiscoverySettings,
) *SignalDiscovery {
	cancelCtx, cancel := context.WithCancel(ctx)
	discovery := &SignalDiscovery{
		ctx:        cancelCtx,
		cancel:     cancel,
		signalUrl:  signalUrl,
		room:       room,
		peerId:     peerId,
		descriptor: descriptor,
		settings:   settings,
		announced:  make(chan PeerAnnounced, 32),
	}
	go discovery.run()
	return discovery
}

func (self *SignalDiscovery) Announced() <-chan PeerAnnounced {
	return self.announced
}

func (self *SignalDiscovery) run() {
	defer func() {
		self.cancel()
		close(self.announced)
	}()

	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.HandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(self.ctx, self.signalUrl, nil)
	if err != nil {
		glog.Infof("[sd]dial %s error = %s\n", self.signalUrl, err)
		return
	}
	defer ws.Close()

	send := func(message *signalMessage) error {
		b, err := json.Marshal(message)
		if err != nil {
			return err
		}
		ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
		return ws.WriteMessage(websocket.TextMessage, b)
	}

	if err := send(&signalMessage{
		Type:  "join",
		Room:  self.room,
		Token: self.settings.RoomToken,
	}); err != nil {
		glog.Infof("[sd]join error = %s\n", err)
		return
	}

	announce := func() error {
		return send(&signalMessage{
			Type:       "presence",
			Room:       self.room,
			PeerId:     self.peerId,
			Descriptor: self.descriptor,
		})
	}

	go func() {
		for {
			select {
			case <-self.ctx.Done():
				return
			case <-time.After(self.settings.AnnounceTimeout):
			}
			if err := announce(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		_, b, err := ws.ReadMessage()
		if err != nil {
			glog.Infof("[sd]closed = %s\n", err)
			return
		}
		message := &signalMessage{}
		if err := json.Unmarshal(b, message); err != nil {
			glog.V(1).Infof("[sd]bad message = %s\n", err)
			continue
		}

		switch message.Type {
		case "joined":
			if err := announce(); err != nil {
				return
			}
		case "presence":
			if message.PeerId == "" || message.PeerId == self.peerId {
				continue
			}
			event := PeerAnnounced{
				PeerId:            message.PeerId,
				ConnectDescriptor: message.Descriptor,
			}
			select {
			case <-self.ctx.Done():
				return
			case self.announced <- event:
			default:
				// the consumer recovers on the next re-announce
				glog.V(1).Infof("[sd]announce full, dropping %s\n", message.PeerId)
			}
		default:
			// offer/answer/ice-candidate relay belongs to the
			// transport negotiation layer
		}
	}
}

func (self *SignalDiscovery) Close() {
	self.cancel()
}

// EncodePeerCode packs an announce event into a copy-paste code for
// the manual fallback when no signaling server is reachable.
func EncodePeerCode(event PeerAnnounced) (string, error) {
	b, err := json.Marshal(&event)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func DecodePeerCode(code string) (PeerAnnounced, error) {
	b, err := base64.RawURLEncoding.DecodeString(code)
	if err != nil {
		return PeerAnnounced{}, fmt.Errorf("bad peer code: %w", err)
	}
	event := PeerAnnounced{}
	if err := json.Unmarshal(b, &event); err != nil {
		return PeerAnnounced{}, fmt.Errorf("bad peer code: %w", err)
	}
	if event.PeerId == "" || event.ConnectDescriptor == "" {
		return PeerAnnounced{}, fmt.Errorf("bad peer code: missing fields")
	}
	return event, nil
}

// StaticDiscovery announces a fixed peer list once. Feeds manually
// entered peer codes into the same path as signaled announcements.
type StaticDiscovery struct {
	announced chan PeerAnnounced
}

func NewStaticDiscovery(events ...PeerAnnounced) *StaticDiscovery {
	announced := make(chan PeerAnnounced, len(events))
	for _, event := range events {
		announced <- event
	}
	return &StaticDiscovery{
		announced: announced,
	}
}

func (self *StaticDiscovery) Announced() <-chan PeerAnnounced {
	return self.announced
}

func (self *StaticDiscovery) Close() {
}
