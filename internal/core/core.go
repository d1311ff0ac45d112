// Package core implements the gateway's orchestrator: it wires packet
// sources, the telemetry validator, the durable queue, and the MQTT cloud
// client together, and owns the uplink, downlink, reconnect-flush, and
// health-snapshot logic.
package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vineguard/edge-gateway/internal/logger"
	"github.com/vineguard/edge-gateway/internal/queue"
	"github.com/vineguard/edge-gateway/internal/source"
	"github.com/vineguard/edge-gateway/internal/validator"
)

// Publisher is the subset of the MQTT client the core depends on. Defined
// here (rather than imported as a concrete type) so tests can supply a fake.
// AddConnectionListener's parameter must stay a plain func(bool) (not a
// named type) so that both the real mqttclient.Client and test fakes can
// implement this interface without sharing a type declaration.
type Publisher interface {
	Publish(topic, payload string) bool
	Subscribe(topic string)
	AddConnectionListener(cb func(connected bool))
	IsConnected() bool
}

const (
	commandTopicSegments = 5
	commandSuffix        = "cmd"
	telemetrySuffix      = "telemetry"
	downlinkWildcard     = "vineguard/+/+/+/cmd"
)

// HealthStatus is the JSON shape served at /healthz.
type HealthStatus struct {
	Status              string  `json:"status"`
	MQTTConnected       bool    `json:"mqttConnected"`
	QueuedMessages      int64   `json:"queuedMessages"`
	LastMessageReceived *string `json:"lastMessageReceived"`
	LastPublishSuccess  *string `json:"lastPublishSuccess"`
}

// Gateway is the orchestrator (gateway core). It is safe for concurrent use:
// uplink dispatch happens from each source's own goroutines, connection
// transitions arrive from the MQTT client's network-loop goroutine, and
// HTTP health reads happen from the health server's request goroutines.
type Gateway struct {
	gatewayID string
	lg        logger.Logger

	validator *validator.Validator
	q         *queue.Queue
	mq        Publisher

	sourcesMu sync.RWMutex
	sources   []source.Source

	registryMu sync.RWMutex
	registry   map[source.NodeKey]source.Source

	statsMu             sync.RWMutex
	lastMessageReceived *time.Time
	lastPublishSuccess  *time.Time

	flushMu sync.Mutex // single-flight guard around flushQueue
}

// New builds a Gateway. Sources are added afterward via AddSource; the MQTT
// client is supplied already constructed so the caller can resolve the
// construction cycle between the client and this core (see cmd/gateway).
func New(gatewayID string, v *validator.Validator, q *queue.Queue, mq Publisher, lg logger.Logger) *Gateway {
	if lg == nil {
		lg = logger.Null
	}
	gc := &Gateway{
		gatewayID: gatewayID,
		lg:        lg,
		validator: v,
		q:         q,
		mq:        mq,
		registry:  make(map[source.NodeKey]source.Source),
	}
	mq.AddConnectionListener(gc.onConnectionChange)
	mq.Subscribe(downlinkWildcard)
	return gc
}

// AddSource registers a packet source. Call before StartSources.
func (gc *Gateway) AddSource(s source.Source) {
	gc.sourcesMu.Lock()
	defer gc.sourcesMu.Unlock()
	gc.sources = append(gc.sources, s)
}

// StartSources starts every registered source.
func (gc *Gateway) StartSources(ctx context.Context) error {
	gc.sourcesMu.RLock()
	defer gc.sourcesMu.RUnlock()
	for _, s := range gc.sources {
		if err := s.Start(ctx); err != nil {
			return fmt.Errorf("core: start source %s: %w", s.Name(), err)
		}
	}
	return nil
}

// StopSources stops every registered source, collecting the first error but
// attempting to stop all of them regardless.
func (gc *Gateway) StopSources() error {
	gc.sourcesMu.RLock()
	defer gc.sourcesMu.RUnlock()

	var firstErr error
	for _, s := range gc.sources {
		if err := s.Stop(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("core: stop source %s: %w", s.Name(), err)
		}
	}
	return firstErr
}

// HandleMessage is the callback every source's Dispatch ultimately invokes
// for an uplink payload. It validates, enriches, publishes-or-queues, and
// updates node registration for downlink routing.
func (gc *Gateway) HandleMessage(src source.Source, payload map[string]any, ingressContext map[string]any) {
	valid, err := gc.validator.Validate(payload)
	if err != nil {
		gc.lg.Warnf("rejecting telemetry payload: %s", err)
		return
	}

	orgID, _ := valid["orgId"].(string)
	siteID, _ := valid["siteId"].(string)
	nodeID, _ := valid["nodeId"].(string)
	key := source.NodeKey{OrgID: orgID, SiteID: siteID, NodeID: nodeID}

	enriched := make(map[string]any, len(valid)+3)
	for k, v := range valid {
		enriched[k] = v
	}
	enriched["gatewayId"] = gc.gatewayID
	enriched["receivedAt"] = time.Now().UTC().Format(time.RFC3339Nano)
	enriched["traceId"] = uuid.NewString()
	enriched["ingress"] = ingressContext

	body, err := marshalSorted(enriched)
	if err != nil {
		gc.lg.Errorf("failed to serialise telemetry payload: %s", err)
		return
	}

	topic := fmt.Sprintf("vineguard/%s/%s/%s/%s", orgID, siteID, nodeID, telemetrySuffix)

	gc.registryMu.Lock()
	gc.registry[key] = src
	gc.registryMu.Unlock()
	src.RegisterNode(key, ingressContext)

	now := time.Now().UTC()
	gc.setLastMessageReceived(now)

	if gc.mq.Publish(topic, string(body)) {
		gc.setLastPublishSuccess(now)
		return
	}

	if err := gc.q.Enqueue(topic, string(body)); err != nil {
		gc.lg.Errorf("failed to enqueue undelivered telemetry: %s", err)
		return
	}
	gc.lg.Warnf("broker unreachable, buffered telemetry topic=%s", topic)
}

// marshalSorted serialises m with lexicographically sorted keys, matching
// the gateway's wire contract for reproducible payload bytes.
func marshalSorted(m map[string]any) ([]byte, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make([]byte, 0, 256)
	ordered = append(ordered, '{')
	for i, k := range keys {
		if i > 0 {
			ordered = append(ordered, ',')
		}
		keyJSON, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		valJSON, err := json.Marshal(m[k])
		if err != nil {
			return nil, err
		}
		ordered = append(ordered, keyJSON...)
		ordered = append(ordered, ':')
		ordered = append(ordered, valJSON...)
	}
	ordered = append(ordered, '}')
	return ordered, nil
}

// HandleCommand routes a downlink message received on the wildcard command
// topic to the node that most recently sent uplink for that key.
func (gc *Gateway) HandleCommand(topic string, payload []byte) {
	parts := strings.Split(topic, "/")
	if len(parts) != commandTopicSegments || parts[4] != commandSuffix {
		gc.lg.Warnf("dropping command on malformed topic %q", topic)
		return
	}

	key := source.NodeKey{OrgID: parts[1], SiteID: parts[2], NodeID: parts[3]}

	gc.registryMu.RLock()
	src, ok := gc.registry[key]
	gc.registryMu.RUnlock()

	if !ok {
		gc.lg.Warnf("dropping command for unknown node %v", key)
		return
	}
	if !src.SendDownlink(key, payload) {
		gc.lg.Warnf("downlink delivery failed for node %v", key)
	}
}

// onConnectionChange is the MQTT connection listener. It runs on the
// client's network-loop goroutine, so it must never block: on connect it
// re-issues the (non-blocking) downlink subscription, which the client does
// not retain from a request made while disconnected, and dispatches
// flushQueue on its own goroutine instead of running it inline.
func (gc *Gateway) onConnectionChange(connected bool) {
	gc.lg.Infof("mqtt connection state changed: connected=%t", connected)
	if connected {
		gc.mq.Subscribe(downlinkWildcard)
		go gc.flushQueue()
	}
}

// flushQueue drains the durable queue through the MQTT client in strict
// FIFO order, stopping at the first publish failure so ordering is never
// violated. Single-flight: a flush already running absorbs concurrent
// triggers instead of running twice.
func (gc *Gateway) flushQueue() {
	if !gc.flushMu.TryLock() {
		return
	}
	defer gc.flushMu.Unlock()

	for gc.mq.IsConnected() {
		items, err := gc.q.GetBatch(0)
		if err != nil {
			gc.lg.Errorf("flush queue: failed to read batch: %s", err)
			return
		}
		if len(items) == 0 {
			return
		}

		var delivered []int64
		for _, item := range items {
			if !gc.mq.Publish(item.Topic, item.Payload) {
				break
			}
			delivered = append(delivered, item.ID)
			gc.setLastPublishSuccess(time.Now().UTC())
		}

		if len(delivered) == 0 {
			return // broker rejected the very first item; stop, wait for next reconnect
		}
		if err := gc.q.Remove(delivered); err != nil {
			gc.lg.Errorf("flush queue: failed to remove delivered batch: %s", err)
			return
		}
		gc.lg.Infof("flush queue: recovered %d buffered messages", len(delivered))
		if len(delivered) < len(items) {
			return // a publish failed partway through this batch
		}
	}
}

func (gc *Gateway) setLastMessageReceived(t time.Time) {
	gc.statsMu.Lock()
	defer gc.statsMu.Unlock()
	gc.lastMessageReceived = &t
}

func (gc *Gateway) setLastPublishSuccess(t time.Time) {
	gc.statsMu.Lock()
	defer gc.statsMu.Unlock()
	gc.lastPublishSuccess = &t
}

// BuildHealthStatus assembles the current health snapshot served at
// /healthz.
func (gc *Gateway) BuildHealthStatus() HealthStatus {
	count, err := gc.q.Count()
	if err != nil {
		gc.lg.Errorf("health: failed to read queue depth: %s", err)
	}

	connected := gc.mq.IsConnected()
	status := "degraded"
	if connected {
		status = "ok"
	}

	gc.statsMu.RLock()
	lastMsg := formatTimePtr(gc.lastMessageReceived)
	lastPub := formatTimePtr(gc.lastPublishSuccess)
	gc.statsMu.RUnlock()

	return HealthStatus{
		Status:              status,
		MQTTConnected:       connected,
		QueuedMessages:      count,
		LastMessageReceived: lastMsg,
		LastPublishSuccess:  lastPub,
	}
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339Nano)
	return &s
}
