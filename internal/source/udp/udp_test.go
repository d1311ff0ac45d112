package udp

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vineguard/edge-gateway/internal/source"
)

func TestUDPSourceDispatchesValidDatagram(t *testing.T) {
	var mu sync.Mutex
	var got map[string]any
	var gotCtx map[string]any
	done := make(chan struct{})

	callback := func(src source.Source, payload map[string]any, ctx map[string]any) {
		mu.Lock()
		got = payload
		gotCtx = ctx
		mu.Unlock()
		close(done)
	}

	s := New("127.0.0.1", 0, callback, nil)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	addr := s.conn.LocalAddr().(*net.UDPAddr)
	conn, err := net.DialUDP("udp", nil, addr)
	require.NoError(t, err)
	defer conn.Close()

	body, _ := json.Marshal(map[string]any{
		"orgId": "o", "siteId": "s", "nodeId": "n",
		"timestamp": "2024-01-01T00:00:00Z",
		"metrics":   map[string]any{"t": 1.0},
	})
	_, err = conn.Write(body)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatch")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "o", got["orgId"])
	assert.Equal(t, "udp", gotCtx["transport"])
}

func TestUDPSourceDropsInvalidJSON(t *testing.T) {
	called := make(chan struct{}, 1)
	callback := func(source.Source, map[string]any, map[string]any) {
		called <- struct{}{}
	}

	s := New("127.0.0.1", 0, callback, nil)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	addr := s.conn.LocalAddr().(*net.UDPAddr)
	conn, err := net.DialUDP("udp", nil, addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("not json"))
	require.NoError(t, err)

	select {
	case <-called:
		t.Fatal("callback should not have fired for invalid JSON")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestUDPSourceDownlinkRoundTrip(t *testing.T) {
	s := New("127.0.0.1", 0, func(source.Source, map[string]any, map[string]any) {}, nil)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	clientConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	defer clientConn.Close()

	key := source.NodeKey{OrgID: "o", SiteID: "s", NodeID: "n"}

	// No uplink seen yet: downlink must fail.
	assert.False(t, s.SendDownlink(key, []byte("PING")))

	s.RegisterNode(key, map[string]any{"remote": clientConn.LocalAddr().String()})

	ok := s.SendDownlink(key, []byte("PING"))
	assert.True(t, ok)

	buf := make([]byte, 16)
	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := clientConn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "PING", string(buf[:n]))
}

func TestUDPSourceDownlinkUnknownNode(t *testing.T) {
	s := New("127.0.0.1", 0, func(source.Source, map[string]any, map[string]any) {}, nil)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	ok := s.SendDownlink(source.NodeKey{OrgID: "x", SiteID: "y", NodeID: "z"}, []byte("PING"))
	assert.False(t, ok)
}
