package discovery

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/controledu/backend/internal/observability"
	"github.com/controledu/backend/internal/wire"
)

const (
	probeBursts   = 2
	burstInterval = 120 * time.Millisecond
	collectWindow = 1500 * time.Millisecond
)

// Probe broadcasts discovery datagrams and collects scored candidates
// for about a second and a half. Returns the best endpoint per server,
// sorted by score.
func Probe(ctx context.Context, log *observability.Logger) ([]Candidate, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return nil, fmt.Errorf("failed to open probe socket: %w", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(collectWindow)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	targets := probeTargets()
	go func() {
		payload := []byte(ProbePayload)
		for burst := 0; burst < probeBursts; burst++ {
			if burst > 0 {
				select {
				case <-time.After(burstInterval):
				case <-ctx.Done():
					return
				}
			}
			for _, t := range targets {
				if _, err := conn.WriteToUDP(payload, t); err != nil {
					log.Debug(fmt.Sprintf("probe send to %s failed: %v", t, err))
				}
			}
		}
	}()

	var found []Candidate
	buf := make([]byte, 1024)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			break
		}
		c, err := ParseReply(string(buf[:n]))
		if err != nil {
			continue
		}
		found = append(found, c)
	}
	if err := ctx.Err(); err != nil && len(found) == 0 {
		return nil, err
	}
	return rank(found, localIPv4Nets()), nil
}

// probeTargets lists the limited broadcast, every directed broadcast and
// the multicast group.
func probeTargets() []*net.UDPAddr {
	targets := []*net.UDPAddr{
		{IP: net.IPv4bcast, Port: wire.DiscoveryPort},
		{IP: MulticastGroup, Port: wire.DiscoveryPort},
	}
	for _, n := range localIPv4Nets() {
		if b := directedBroadcast(n); b != nil {
			targets = append(targets, &net.UDPAddr{IP: b, Port: wire.DiscoveryPort})
		}
	}
	return targets
}

// directedBroadcast computes the subnet broadcast address.
func directedBroadcast(n *net.IPNet) net.IP {
	ip := n.IP.To4()
	mask := n.Mask
	if ip == nil || len(mask) != net.IPv4len {
		return nil
	}
	out := make(net.IP, net.IPv4len)
	for i := range out {
		out[i] = ip[i] | ^mask[i]
	}
	return out
}
