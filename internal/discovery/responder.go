package discovery

import (
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/controledu/backend/internal/observability"
	"github.com/controledu/backend/internal/wire"
)

// Responder answers discovery probes on UDP port 40555, on both the
// unicast/broadcast socket and the multicast group.
type Responder struct {
	identity   wire.ServerIdentity
	serverPort int
	log        *observability.Logger

	mu     sync.Mutex
	conns  []*net.UDPConn
	closed bool
}

// NewResponder creates a responder advertising the given hub port.
func NewResponder(identity wire.ServerIdentity, serverPort int, log *observability.Logger) *Responder {
	return &Responder{
		identity:   identity,
		serverPort: serverPort,
		log:        log.WithComponent("discovery"),
	}
}

// Start binds the discovery sockets and serves probes until Close.
// A multicast join failure is tolerated; broadcast still works.
func (r *Responder) Start() error {
	uni, err := net.ListenUDP("udp4", &net.UDPAddr{Port: wire.DiscoveryPort})
	if err != nil {
		return fmt.Errorf("failed to bind discovery port %d: %w", wire.DiscoveryPort, err)
	}
	r.track(uni)
	go r.serve(uni)

	multi, err := net.ListenMulticastUDP("udp4", nil,
		&net.UDPAddr{IP: MulticastGroup, Port: wire.DiscoveryPort})
	if err != nil {
		r.log.Warn(fmt.Sprintf("multicast join failed, broadcast only: %v", err))
	} else {
		r.track(multi)
		go r.serve(multi)
	}

	r.log.Info(fmt.Sprintf("discovery responder listening on udp/%d", wire.DiscoveryPort))
	return nil
}

func (r *Responder) track(conn *net.UDPConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns = append(r.conns, conn)
}

func (r *Responder) serve(conn *net.UDPConn) {
	buf := make([]byte, 512)
	for {
		n, peer, err := conn.ReadFromUDP(buf)
		if err != nil {
			r.mu.Lock()
			closed := r.closed
			r.mu.Unlock()
			if !closed {
				r.log.Warn(fmt.Sprintf("discovery read failed: %v", err))
			}
			return
		}
		if strings.TrimSpace(string(buf[:n])) != ProbePayload {
			continue
		}
		reply := BuildReply(r.identity, net.JoinHostPort(r.replyHost(peer), fmt.Sprint(r.serverPort)))
		if _, err := conn.WriteToUDP([]byte(reply), peer); err != nil {
			r.log.Warn(fmt.Sprintf("discovery reply failed: %v", err))
		}
	}
}

// replyHost picks the local interface the peer would reach us on by
// opening a UDP connect-back to it.
func (r *Responder) replyHost(peer *net.UDPAddr) string {
	probe, err := net.DialUDP("udp4", nil, peer)
	if err != nil {
		return firstNonLoopbackIPv4()
	}
	defer probe.Close()
	local, ok := probe.LocalAddr().(*net.UDPAddr)
	if !ok || local.IP == nil || local.IP.IsUnspecified() {
		return firstNonLoopbackIPv4()
	}
	return local.IP.String()
}

// Close stops the responder.
func (r *Responder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for _, c := range r.conns {
		_ = c.Close()
	}
	r.conns = nil
}
