// Package source defines the abstract ingress contract shared by every
// gateway transport (UDP, LoRa, and future ones): each Source produces
// validated-shape payloads plus a transport-specific context, and accepts
// downlink bytes addressed to a node it has previously seen.
package source

import "context"

// NodeKey identifies a field node globally within the gateway's world.
type NodeKey struct {
	OrgID  string
	SiteID string
	NodeID string
}

// MessageCallback is invoked by a Source for every inbound packet. payload
// is the decoded-but-not-yet-validated telemetry object; ingressContext
// carries transport-specific metadata (remote address, RSSI/SNR, simulated
// flag, ...). Implementations must not block the caller for long — the
// gateway core does its own validation and publish/enqueue work on receipt.
type MessageCallback func(src Source, payload map[string]any, ingressContext map[string]any)

// Source is the contract every ingress transport implements.
type Source interface {
	// Name identifies the source for logging and ingress-context tagging.
	Name() string
	// Start begins producing messages; it may start background goroutines
	// and must return once they are running.
	Start(ctx context.Context) error
	// Stop ceases producing messages and releases resources. Idempotent.
	Stop() error
	// RegisterNode hints that the source observed this node with this
	// context, so a later downlink can be routed back to it.
	RegisterNode(key NodeKey, ingressContext map[string]any)
	// SendDownlink delivers payload to the node, returning whether it was
	// handed off successfully.
	SendDownlink(key NodeKey, payload []byte) bool
}

// Base provides the default RegisterNode/SendDownlink no-ops and the
// dispatch-to-gateway plumbing, so concrete sources only implement what
// differs from the default (mirrors the small-default-implementation shape
// the spec calls for instead of an inheritance hierarchy).
type Base struct {
	SourceName string
	Callback   MessageCallback
}

// Name returns the source's name.
func (b *Base) Name() string { return b.SourceName }

// RegisterNode is a no-op by default; transports with a reverse path
// (UDP's remote address, a future hardware driver's session handle)
// override it.
func (b *Base) RegisterNode(NodeKey, map[string]any) {}

// SendDownlink fails by default; only transports capable of addressing a
// specific node override it.
func (b *Base) SendDownlink(NodeKey, []byte) bool { return false }

// Dispatch hands a decoded payload and its ingress context to the
// registered callback. self is the concrete Source embedding Base, passed
// explicitly since Go has no way for an embedded type to observe its own
// embedder.
func (b *Base) Dispatch(self Source, payload map[string]any, ingressContext map[string]any) {
	if b.Callback != nil {
		b.Callback(self, payload, ingressContext)
	}
}
