package core

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vineguard/edge-gateway/internal/queue"
	"github.com/vineguard/edge-gateway/internal/source"
	"github.com/vineguard/edge-gateway/internal/validator"
)

type fakePublisher struct {
	mu        sync.Mutex
	connected bool
	published []publishedMsg
	publishOK bool
	listeners []func(bool)
}

type publishedMsg struct {
	topic, payload string
}

func (f *fakePublisher) Publish(topic, payload string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.publishOK {
		return false
	}
	f.published = append(f.published, publishedMsg{topic, payload})
	return true
}

func (f *fakePublisher) Subscribe(string) {}

func (f *fakePublisher) AddConnectionListener(cb func(bool)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, cb)
}

func (f *fakePublisher) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakePublisher) setConnected(c bool) {
	f.mu.Lock()
	f.connected = c
	listeners := append([]func(bool){}, f.listeners...)
	f.mu.Unlock()
	for _, l := range listeners {
		l(c)
	}
}

type fakeSource struct {
	source.Base
	mu            sync.Mutex
	registered    []source.NodeKey
	downlinks     []string
	downlinkReply bool
}

func (f *fakeSource) Start(context.Context) error { return nil }
func (f *fakeSource) Stop() error                 { return nil }

func (f *fakeSource) RegisterNode(key source.NodeKey, _ map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, key)
}

func (f *fakeSource) SendDownlink(key source.NodeKey, payload []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downlinks = append(f.downlinks, key.NodeID)
	return f.downlinkReply
}

func newTestGateway(t *testing.T) (*Gateway, *fakePublisher, *queue.Queue) {
	t.Helper()
	q, err := queue.Open(t.TempDir()+"/q.db", nil)
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	pub := &fakePublisher{}
	gc := New("gw-1", validator.New(), q, pub, nil)
	return gc, pub, q
}

func validTelemetry() map[string]any {
	return map[string]any{
		"orgId": "o", "siteId": "s", "nodeId": "n",
		"timestamp": "2024-01-01T00:00:00Z",
		"metrics":   map[string]any{"t": 21.0},
	}
}

func TestHandleMessagePublishesWhenConnected(t *testing.T) {
	gc, pub, _ := newTestGateway(t)
	pub.publishOK = true
	pub.connected = true

	src := &fakeSource{Base: source.Base{SourceName: "udp"}}
	gc.HandleMessage(src, validTelemetry(), map[string]any{"transport": "udp"})

	require.Len(t, pub.published, 1)
	assert.Equal(t, "vineguard/o/s/n/telemetry", pub.published[0].topic)

	var body map[string]any
	require.NoError(t, json.Unmarshal([]byte(pub.published[0].payload), &body))
	assert.Equal(t, "gw-1", body["gatewayId"])
	assert.Contains(t, body, "receivedAt")
	ingress, ok := body["ingress"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "udp", ingress["transport"])

	require.Len(t, src.registered, 1)
	assert.Equal(t, source.NodeKey{OrgID: "o", SiteID: "s", NodeID: "n"}, src.registered[0])
}

func TestHandleMessageEnqueuesWhenPublishFails(t *testing.T) {
	gc, pub, q := newTestGateway(t)
	pub.publishOK = false

	src := &fakeSource{Base: source.Base{SourceName: "udp"}}
	gc.HandleMessage(src, validTelemetry(), map[string]any{"transport": "udp"})

	count, err := q.Count()
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestHandleMessageRejectsInvalidPayload(t *testing.T) {
	gc, pub, q := newTestGateway(t)
	pub.publishOK = true

	src := &fakeSource{Base: source.Base{SourceName: "udp"}}
	gc.HandleMessage(src, map[string]any{"orgId": "o"}, nil)

	assert.Empty(t, pub.published)
	count, err := q.Count()
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestHandleCommandRoutesToRegisteredSource(t *testing.T) {
	gc, pub, _ := newTestGateway(t)
	pub.publishOK = true

	src := &fakeSource{Base: source.Base{SourceName: "udp"}, downlinkReply: true}
	gc.HandleMessage(src, validTelemetry(), map[string]any{"transport": "udp"})

	gc.HandleCommand("vineguard/o/s/n/cmd", []byte("PING"))

	require.Len(t, src.downlinks, 1)
	assert.Equal(t, "n", src.downlinks[0])
}

func TestHandleCommandDropsMalformedTopic(t *testing.T) {
	gc, _, _ := newTestGateway(t)
	src := &fakeSource{Base: source.Base{SourceName: "udp"}, downlinkReply: true}
	gc.HandleMessage(src, validTelemetry(), map[string]any{"transport": "udp"})

	gc.HandleCommand("vineguard/o/s/cmd", []byte("PING"))
	assert.Empty(t, src.downlinks)
}

func TestHandleCommandDropsUnknownNode(t *testing.T) {
	gc, _, _ := newTestGateway(t)
	gc.HandleCommand("vineguard/x/y/z/cmd", []byte("PING"))
	// no source registered at all; should not panic
}

func TestFlushQueueDrainsInOrderOnReconnect(t *testing.T) {
	gc, pub, q := newTestGateway(t)
	pub.publishOK = false

	src := &fakeSource{Base: source.Base{SourceName: "udp"}}
	gc.HandleMessage(src, validTelemetry(), map[string]any{"transport": "udp"})
	gc.HandleMessage(src, validTelemetry(), map[string]any{"transport": "udp"})

	count, err := q.Count()
	require.NoError(t, err)
	require.Equal(t, int64(2), count)
	queued, err := q.GetBatch(0)
	require.NoError(t, err)
	require.Len(t, queued, 2)

	pub.publishOK = true
	pub.setConnected(true)

	require.Eventually(t, func() bool {
		c, _ := q.Count()
		return c == 0
	}, 2*time.Second, 10*time.Millisecond)

	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Len(t, pub.published, 2)
	assert.Equal(t, queued[0].Payload, pub.published[0].payload)
	assert.Equal(t, queued[1].Payload, pub.published[1].payload)
}

func TestBuildHealthStatusReflectsState(t *testing.T) {
	gc, pub, _ := newTestGateway(t)
	pub.connected = false

	status := gc.BuildHealthStatus()
	assert.Equal(t, "degraded", status.Status)
	assert.False(t, status.MQTTConnected)
	assert.Nil(t, status.LastMessageReceived)

	pub.publishOK = true
	pub.connected = true
	src := &fakeSource{Base: source.Base{SourceName: "udp"}}
	gc.HandleMessage(src, validTelemetry(), map[string]any{"transport": "udp"})

	status = gc.BuildHealthStatus()
	assert.Equal(t, "ok", status.Status)
	require.NotNil(t, status.LastMessageReceived)
	require.NotNil(t, status.LastPublishSuccess)
}
