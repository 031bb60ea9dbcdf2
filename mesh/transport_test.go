package mesh

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestStalledReceiverClosesTransport(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := DefaultWsTransportSettings()
	settings.ReadTimeout = 200 * time.Millisecond
	settings.ReceiveBufferSize = 2

	listener, err := NewWsListener(ctx, "127.0.0.1:0", settings)
	assert.Equal(t, nil, err)
	defer listener.Close()

	dialed, err := DialWs(ctx, listener.Url(), DefaultWsTransportSettings())
	assert.Equal(t, nil, err)
	defer dialed.Close()

	var accepted *WsTransport
	select {
	case accepted = <-listener.Accept():
	case <-time.After(5 * time.Second):
		t.Fatal("no inbound transport")
	}
	defer accepted.Close()

	// overflow the accepted side's receive buffer; nobody reads it
	for i := 0; i < 8; i += 1 {
		dialed.Send([]byte("x"))
	}

	// rather than skip a frame the stalled transport closes, which
	// the sender observes as its own receive channel closing
	select {
	case _, ok := <-dialed.Receive():
		assert.Equal(t, false, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("transport did not close")
	}
}

func TestPipeTransportClosePropagates(t *testing.T) {
	pipeA, pipeB := NewPipeTransportPair()

	assert.Equal(t, nil, pipeA.Send([]byte("one")))
	pipeA.Close()

	// buffered frames drain, then both ends read closed
	message, ok := <-pipeB.Receive()
	assert.Equal(t, true, ok)
	assert.Equal(t, []byte("one"), message)
	_, ok = <-pipeB.Receive()
	assert.Equal(t, false, ok)
	_, ok = <-pipeA.Receive()
	assert.Equal(t, false, ok)

	assert.NotEqual(t, nil, pipeA.Send([]byte("late")))
}
