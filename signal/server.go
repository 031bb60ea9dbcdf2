// Package signal is the room-based relay peers use to find each other.
// It never inspects operations; it only rebroadcasts announce and
// negotiation messages to a room. The relay carries no trust: peers
// authenticate each other with operation signatures, not with anything
// the relay says.
package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

type ServerSettings struct {
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	// optional HMAC secret; when set, joins require a room token
	RoomSecret    string
	ClientBuffer  int
	MaxMessageLen int64
}

func DefaultServerSettings() *ServerSettings {
	return &ServerSettings{
		WriteTimeout:  5 * time.Second,
		ReadTimeout:   120 * time.Second,
		ClientBuffer:  32,
		MaxMessageLen: 1024 * 1024,
	}
}

// relayMessage is the envelope the server inspects. The full raw frame
// is what gets rebroadcast, so peers can carry extra fields end to end.
type relayMessage struct {
	Type  string `json:"type"`
	Room  string `json:"room"`
	Token string `json:"token,omitempty"`
}

type client struct {
	ws    *websocket.Conn
	send  chan []byte
	done  chan struct{}
	rooms map[string]bool
}

// Server relays join/presence/offer/answer/ice-candidate messages
// between the members of a room, always excluding the sender.
type Server struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *ServerSettings
	listener net.Listener
	server   *http.Server
	upgrader *websocket.Upgrader

	mutex sync.Mutex
	rooms map[string]map[*client]bool
}

func NewServerWithDefaults(ctx context.Context, listenAddress string) (*Server, error) {
	return NewServer(ctx, listenAddress, DefaultServerSettings())
}

func NewServer(ctx context.Context, listenAddress string, settings *ServerSettings) (*Server, error) {
	cancelCtx, cancel := context.WithCancel(ctx)

	listener, err := net.Listen("tcp", listenAddress)
	if err != nil {
		cancel()
		return nil, err
	}

	server := &Server{
		ctx:      cancelCtx,
		cancel:   cancel,
		settings: settings,
		listener: listener,
		upgrader: &websocket.Upgrader{},
		rooms:    map[string]map[*client]bool{},
	}
	server.server = &http.Server{
		Handler: server,
	}
	go server.run()
	glog.Infof("[sg]listening on %s\n", server.Url())
	return server, nil
}

func (self *Server) run() {
	defer self.cancel()
	err := self.server.Serve(self.listener)
	glog.V(1).Infof("[sg]serve end = %s\n", err)
}

func (self *Server) Url() string {
	return fmt.Sprintf("ws://%s", self.listener.Addr().String())
}

func (self *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[sg]upgrade error = %s\n", err)
		return
	}

	c := &client{
		ws:    ws,
		send:  make(chan []byte, self.settings.ClientBuffer),
		done:  make(chan struct{}),
		rooms: map[string]bool{},
	}
	go self.writeLoop(c)
	self.readLoop(c)
}

func (self *Server) readLoop(c *client) {
	defer func() {
		self.removeClient(c)
		close(c.done)
		c.ws.Close()
	}()

	c.ws.SetReadLimit(self.settings.MaxMessageLen)
	for {
		c.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		_, b, err := c.ws.ReadMessage()
		if err != nil {
			glog.V(1).Infof("[sg]client closed = %s\n", err)
			return
		}

		message := &relayMessage{}
		if err := json.Unmarshal(b, message); err != nil {
			glog.V(1).Infof("[sg]bad message = %s\n", err)
			continue
		}

		switch message.Type {
		case "join":
			if message.Room == "" {
				continue
			}
			if err := self.verifyRoomToken(message.Room, message.Token); err != nil {
				glog.Infof("[sg]join rejected room=%s = %s\n", message.Room, err)
				continue
			}
			self.joinRoom(c, message.Room)
			ack, _ := json.Marshal(&relayMessage{
				Type: "joined",
				Room: message.Room,
			})
			self.enqueue(c, ack)
		case "presence", "offer", "answer", "ice-candidate":
			// rebroadcast the raw frame to the room, excluding the sender
			self.broadcast(message.Room, c, b)
		default:
			glog.V(2).Infof("[sg]ignoring %s\n", message.Type)
		}
	}
}

func (self *Server) writeLoop(c *client) {
	for {
		select {
		case <-c.done:
			return
		case b := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
				glog.V(1).Infof("[sg]write error = %s\n", err)
				return
			}
		}
	}
}

func (self *Server) enqueue(c *client, b []byte) {
	select {
	case <-c.done:
	case c.send <- b:
	default:
		glog.V(1).Infof("[sg]send full, dropping\n")
	}
}

func (self *Server) joinRoom(c *client, room string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	members, ok := self.rooms[room]
	if !ok {
		members = map[*client]bool{}
		self.rooms[room] = members
	}
	members[c] = true
	c.rooms[room] = true
	glog.V(1).Infof("[sg]join room=%s members=%d\n", room, len(members))
}

func (self *Server) broadcast(room string, sender *client, b []byte) {
	self.mutex.Lock()
	members := make([]*client, 0)
	if sender.rooms[room] {
		for member := range self.rooms[room] {
			if member != sender {
				members = append(members, member)
			}
		}
	}
	self.mutex.Unlock()

	for _, member := range members {
		self.enqueue(member, b)
	}
}

func (self *Server) removeClient(c *client) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	for room := range c.rooms {
		members := self.rooms[room]
		delete(members, c)
		if len(members) == 0 {
			delete(self.rooms, room)
		}
	}
	c.rooms = map[string]bool{}
}

func (self *Server) verifyRoomToken(room string, token string) error {
	if self.settings.RoomSecret == "" {
		return nil
	}
	if token == "" {
		return fmt.Errorf("missing room token")
	}
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return []byte(self.settings.RoomSecret), nil
		},
	)
	if err != nil {
		return err
	}
	tokenRoom, _ := claims["room"].(string)
	if tokenRoom != room {
		return fmt.Errorf("token is for room %q", tokenRoom)
	}
	return nil
}

func (self *Server) Close() {
	self.cancel()
	self.server.Close()
}

// RoomToken mints an HMAC room token a client presents on join.
func RoomToken(secret string, room string, ttl time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"room": room,
		"exp":  time.Now().Add(ttl).Unix(),
	})
	return token.SignedString([]byte(secret))
}
