package mesh

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/kanbanmesh/mesh/signal"
)

func TestPeerCodeRoundTrip(t *testing.T) {
	event := PeerAnnounced{
		PeerId:            NewId(),
		ConnectDescriptor: "ws://192.168.1.20:41234",
	}
	code, err := EncodePeerCode(event)
	assert.Equal(t, nil, err)

	decoded, err := DecodePeerCode(code)
	assert.Equal(t, nil, err)
	assert.Equal(t, event, decoded)
}

func TestDecodePeerCodeRejects(t *testing.T) {
	_, err := DecodePeerCode("not base64!!!")
	assert.NotEqual(t, nil, err)

	// valid base64, wrong shape
	_, err = DecodePeerCode("e30")
	assert.NotEqual(t, nil, err)
}

func TestSignalDiscoveryAnnounces(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server, err := signal.NewServerWithDefaults(ctx, "127.0.0.1:0")
	assert.Equal(t, nil, err)
	defer server.Close()

	// fast re-announce so whichever side joins first still finds the
	// other promptly
	settings := DefaultSignalDiscoverySettings()
	settings.AnnounceTimeout = 200 * time.Millisecond

	discoveryA := NewSignalDiscovery(
		ctx,
		server.Url(),
		"board-1",
		"peer-a",
		"ws://10.0.0.1:1",
		settings,
	)
	defer discoveryA.Close()
	discoveryB := NewSignalDiscovery(
		ctx,
		server.Url(),
		"board-1",
		"peer-b",
		"ws://10.0.0.2:2",
		settings,
	)
	defer discoveryB.Close()

	// each side surfaces the other's announce and skips its own
	expect := func(discovery *SignalDiscovery, peerId string, descriptor string) {
		for {
			select {
			case event, ok := <-discovery.Announced():
				if !ok {
					t.Fatal("announce stream closed")
				}
				if event.PeerId == peerId {
					assert.Equal(t, descriptor, event.ConnectDescriptor)
					return
				}
			case <-time.After(10 * time.Second):
				t.Fatal("no announce")
			}
		}
	}
	expect(discoveryA, "peer-b", "ws://10.0.0.2:2")
	expect(discoveryB, "peer-a", "ws://10.0.0.1:1")
}

func TestStaticDiscoveryAnnouncesOnce(t *testing.T) {
	events := []PeerAnnounced{
		{PeerId: "p1", ConnectDescriptor: "ws://a"},
		{PeerId: "p2", ConnectDescriptor: "ws://b"},
	}
	discovery := NewStaticDiscovery(events...)
	defer discovery.Close()

	assert.Equal(t, events[0], <-discovery.Announced())
	assert.Equal(t, events[1], <-discovery.Announced())

	select {
	case event := <-discovery.Announced():
		t.Fatalf("unexpected announce %v", event)
	default:
	}
}
