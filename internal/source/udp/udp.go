// Package udp implements a gateway packet source that consumes JSON
// telemetry payloads sent as UDP datagrams, for lab and simulator clients.
package udp

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"github.com/vineguard/edge-gateway/internal/logger"
	"github.com/vineguard/edge-gateway/internal/source"
)

const sourceName = "udp"

// Source binds a UDP socket and dispatches one decoded JSON payload per
// datagram. It also serves as the downlink path for any node that has
// previously sent a datagram: the peer address observed on uplink is the
// address a downlink is sent back to.
type Source struct {
	source.Base

	host string
	port int
	lg   logger.Logger

	mu       sync.RWMutex
	conn     *net.UDPConn
	remotes  map[source.NodeKey]*net.UDPAddr
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New returns a UDP source bound to host:port. Start must be called before
// it produces anything.
func New(host string, port int, callback source.MessageCallback, lg logger.Logger) *Source {
	if lg == nil {
		lg = logger.Null
	}
	return &Source{
		Base:    source.Base{SourceName: sourceName, Callback: callback},
		host:    host,
		port:    port,
		lg:      lg,
		remotes: make(map[source.NodeKey]*net.UDPAddr),
	}
}

// Start binds the datagram socket and begins the receive loop in a
// background goroutine.
func (s *Source) Start(ctx context.Context) error {
	addr := &net.UDPAddr{IP: net.ParseIP(s.host), Port: s.port}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("udp source: listen %s:%d: %w", s.host, s.port, err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.conn = conn
	s.cancel = cancel
	s.mu.Unlock()

	s.lg.Infof("udp source started host=%s port=%d", s.host, s.port)

	s.wg.Add(1)
	go s.receiveLoop(loopCtx, conn)
	return nil
}

// Stop closes the socket and waits for the receive loop to exit. Idempotent.
func (s *Source) Stop() error {
	s.mu.Lock()
	conn := s.conn
	cancel := s.cancel
	s.conn = nil
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	s.wg.Wait()
	s.lg.Infof("udp source stopped")
	return nil
}

func (s *Source) receiveLoop(ctx context.Context, conn *net.UDPConn) {
	defer s.wg.Done()

	buf := make([]byte, 64*1024)
	for {
		n, remote, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				s.lg.Warnf("udp source: read error: %s", err)
				return
			}
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		go s.handleDatagram(data, remote)
	}
}

func (s *Source) handleDatagram(data []byte, remote *net.UDPAddr) {
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		s.lg.Warnf("udp source: dropping invalid JSON payload from %s", remote)
		return
	}

	ingressContext := map[string]any{
		"transport": sourceName,
		"remote":    remote.String(),
	}
	s.Dispatch(s, payload, ingressContext)
}

// RegisterNode stores the remote address last seen for key, overwriting any
// previous one.
func (s *Source) RegisterNode(key source.NodeKey, ingressContext map[string]any) {
	remoteStr, _ := ingressContext["remote"].(string)
	if remoteStr == "" {
		return
	}
	addr, err := net.ResolveUDPAddr("udp", remoteStr)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.remotes[key] = addr
	s.mu.Unlock()
}

// SendDownlink writes payload verbatim to the last-known remote address for
// key. Fails if the source is not started or the node has never sent uplink.
func (s *Source) SendDownlink(key source.NodeKey, payload []byte) bool {
	s.mu.RLock()
	conn := s.conn
	addr, ok := s.remotes[key]
	s.mu.RUnlock()

	if conn == nil {
		s.lg.Warnf("udp source: not ready for downlink to %v", key)
		return false
	}
	if !ok {
		s.lg.Warnf("udp source: no endpoint known for node %v", key)
		return false
	}

	if _, err := conn.WriteToUDP(payload, addr); err != nil {
		s.lg.Warnf("udp source: downlink write failed for %v: %s", key, err)
		return false
	}
	s.lg.Infof("udp source: sent downlink to %v at %s", key, addr)
	return true
}

var _ source.Source = (*Source)(nil)
