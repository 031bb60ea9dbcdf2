package mesh

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

// Transport is the reliable, ordered, bidirectional byte channel the
// sync protocol runs on. The session never retransmits lost bytes
// itself; a broken channel just ends the session.
type Transport interface {
	Send(message []byte) error
	Receive() <-chan []byte
	Close()
}

type WsTransportSettings struct {
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
	ReadTimeout       time.Duration
	PingTimeout       time.Duration
	ReceiveBufferSize int
}

func DefaultWsTransportSettings() *WsTransportSettings {
	return &WsTransportSettings{
		HandshakeTimeout:  5 * time.Second,
		WriteTimeout:      5 * time.Second,
		ReadTimeout:       30 * time.Second,
		PingTimeout:       5 * time.Second,
		ReceiveBufferSize: 32,
	}
}

// WsTransport wraps one websocket connection. An empty binary message
// is a ping and is never surfaced.
type WsTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	ws       *websocket.Conn
	settings *WsTransportSettings

	sendMutex sync.Mutex
	receive   chan []byte
}

func NewWsTransport(ctx context.Context, ws *websocket.Conn, settings *WsTransportSettings) *WsTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	transport := &WsTransport{
		ctx:      cancelCtx,
		cancel:   cancel,
		ws:       ws,
		settings: settings,
		receive:  make(chan []byte, settings.ReceiveBufferSize),
	}
	go transport.readLoop()
	go transport.pingLoop()
	return transport
}

// DialWs connects to a peer's listen descriptor (a ws url).
func DialWs(ctx context.Context, url string, settings *WsTransportSettings) (*WsTransport, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: settings.HandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrTransportClosed, url, err)
	}
	return NewWsTransport(ctx, ws, settings), nil
}

func (self *WsTransport) Send(message []byte) error {
	self.sendMutex.Lock()
	defer self.sendMutex.Unlock()

	select {
	case <-self.ctx.Done():
		return ErrTransportClosed
	default:
	}

	self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	if err := self.ws.WriteMessage(websocket.BinaryMessage, message); err != nil {
		// a websocket deadline timeout cannot be recovered
		self.cancel()
		return fmt.Errorf("%w: %v", ErrTransportClosed, err)
	}
	return nil
}

func (self *WsTransport) Receive() <-chan []byte {
	return self.receive
}

func (self *WsTransport) readLoop() {
	defer func() {
		self.cancel()
		self.ws.Close()
		close(self.receive)
	}()

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := self.ws.ReadMessage()
		if err != nil {
			glog.V(2).Infof("[t]<- closed = %s\n", err)
			return
		}

		switch messageType {
		case websocket.BinaryMessage, websocket.TextMessage:
			if len(message) == 0 {
				// ping
				continue
			}
			select {
			case <-self.ctx.Done():
				return
			case self.receive <- message:
			case <-time.After(self.settings.ReadTimeout):
				// the channel promises ordered delivery with no
				// gaps, so a stalled receiver ends the transport
				glog.Infof("[t]<- receiver stalled, closing\n")
				return
			}
		}
	}
}

func (self *WsTransport) pingLoop() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.PingTimeout):
		}
		if err := self.Send(make([]byte, 0)); err != nil {
			return
		}
	}
}

func (self *WsTransport) Close() {
	self.cancel()
	self.ws.Close()
}

// WsListener accepts inbound peer transports. Its Url is the connect
// descriptor other peers dial.
type WsListener struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *WsTransportSettings
	listener net.Listener
	server   *http.Server
	upgrader *websocket.Upgrader

	accept chan *WsTransport
}

func NewWsListener(ctx context.Context, listenAddress string, settings *WsTransportSettings) (*WsListener, error) {
	cancelCtx, cancel := context.WithCancel(ctx)

	listener, err := net.Listen("tcp", listenAddress)
	if err != nil {
		cancel()
		return nil, err
	}

	wsListener := &WsListener{
		ctx:      cancelCtx,
		cancel:   cancel,
		settings: settings,
		listener: listener,
		upgrader: &websocket.Upgrader{
			HandshakeTimeout: settings.HandshakeTimeout,
		},
		accept: make(chan *WsTransport, 8),
	}
	wsListener.server = &http.Server{
		Handler: wsListener,
	}
	go wsListener.run()
	return wsListener, nil
}

func (self *WsListener) run() {
	defer self.cancel()
	err := self.server.Serve(self.listener)
	glog.V(1).Infof("[l]serve end = %s\n", err)
}

func (self *WsListener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[l]upgrade error = %s\n", err)
		return
	}
	transport := NewWsTransport(self.ctx, ws, self.settings)
	select {
	case <-self.ctx.Done():
		transport.Close()
	case self.accept <- transport:
	default:
		glog.Infof("[l]accept full, dropping connection\n")
		transport.Close()
	}
}

func (self *WsListener) Accept() <-chan *WsTransport {
	return self.accept
}

func (self *WsListener) Url() string {
	return fmt.Sprintf("ws://%s", self.listener.Addr().String())
}

func (self *WsListener) Close() {
	self.cancel()
	self.server.Close()
}

// PipeTransport is an in-process transport pair. Used by tests and by
// same-process replicas.
type PipeTransport struct {
	peer *PipeTransport

	mutex   sync.Mutex
	closed  bool
	receive chan []byte
}

func NewPipeTransportPair() (*PipeTransport, *PipeTransport) {
	a := &PipeTransport{
		receive: make(chan []byte, 1024),
	}
	b := &PipeTransport{
		receive: make(chan []byte, 1024),
	}
	a.peer = b
	b.peer = a
	return a, b
}

func (self *PipeTransport) Send(message []byte) error {
	return self.peer.deliver(message)
}

func (self *PipeTransport) deliver(message []byte) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.closed {
		return ErrTransportClosed
	}
	select {
	case self.receive <- message:
		return nil
	default:
		return fmt.Errorf("%w: pipe full", ErrTransportClosed)
	}
}

func (self *PipeTransport) Receive() <-chan []byte {
	return self.receive
}

func (self *PipeTransport) Close() {
	self.closeReceive()
	self.peer.closeReceive()
}

func (self *PipeTransport) closeReceive() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if !self.closed {
		self.closed = true
		close(self.receive)
	}
}
