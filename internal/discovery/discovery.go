// Package discovery implements LAN server discovery: a UDP responder on
// the server and a broadcast/multicast probe client on the student,
// with subnet-aware candidate scoring.
package discovery

import (
	"fmt"
	"net"
	"sort"
	"strings"

	"github.com/controledu/backend/internal/wire"
)

// ProbePayload is the exact datagram a student sends when looking for
// servers.
const ProbePayload = "DISCOVER_CONTROLEDU"

// replyPrefix starts every responder datagram.
const replyPrefix = "CONTROLEDU_HERE"

// MulticastGroup tolerates broadcast-filtered segments.
var MulticastGroup = net.IPv4(239, 255, 77, 55)

// Candidate is one discovered server endpoint.
type Candidate struct {
	HostPort   string
	Host       string
	ServerID   string
	ServerName string
	Score      int
}

// BuildReply formats the responder payload for one probe.
func BuildReply(identity wire.ServerIdentity, hostPort string) string {
	return fmt.Sprintf("%s %s %s %s", replyPrefix, hostPort, identity.ServerID, identity.DisplayName)
}

// ParseReply parses a responder datagram. The server name may contain
// spaces, so the payload splits into at most four tokens.
func ParseReply(payload string) (Candidate, error) {
	parts := strings.SplitN(strings.TrimSpace(payload), " ", 4)
	if len(parts) < 3 || parts[0] != replyPrefix {
		return Candidate{}, fmt.Errorf("not a discovery reply")
	}
	host, _, err := net.SplitHostPort(parts[1])
	if err != nil {
		return Candidate{}, fmt.Errorf("malformed endpoint %q: %w", parts[1], err)
	}
	c := Candidate{HostPort: parts[1], Host: host, ServerID: parts[2]}
	if len(parts) == 4 {
		c.ServerName = parts[3]
	}
	return c, nil
}

// Score rates a candidate host against the local interface networks.
func Score(host string, localNets []*net.IPNet) int {
	ip := net.ParseIP(host)
	if ip == nil {
		return -10
	}
	score := 0
	for _, n := range localNets {
		if n.Contains(ip) {
			score += 220
			break
		}
	}
	if ip.IsPrivate() {
		score += 80
	}
	if ip.IsLinkLocalUnicast() {
		score -= 40
	} else {
		score += 20
	}
	if ip.IsLoopback() {
		score -= 100
	}
	return score
}

// rank scores, dedupes by serverId (best endpoint wins) and sorts by
// score, then name, then host.
func rank(candidates []Candidate, localNets []*net.IPNet) []Candidate {
	best := make(map[string]Candidate)
	for _, c := range candidates {
		c.Score = Score(c.Host, localNets)
		cur, ok := best[c.ServerID]
		if !ok || c.Score > cur.Score || (c.Score == cur.Score && c.Host < cur.Host) {
			best[c.ServerID] = c
		}
	}
	out := make([]Candidate, 0, len(best))
	for _, c := range best {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].ServerName != out[j].ServerName {
			return out[i].ServerName < out[j].ServerName
		}
		return out[i].Host < out[j].Host
	})
	return out
}

// localIPv4Nets lists the IPv4 networks of all up, non-loopback
// interfaces.
func localIPv4Nets() []*net.IPNet {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	var nets []*net.IPNet
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if n, ok := a.(*net.IPNet); ok && n.IP.To4() != nil {
				nets = append(nets, n)
			}
		}
	}
	return nets
}

// AdvertiseHost is the address a server should publish in pairing
// responses and discovery replies when it has no better signal.
func AdvertiseHost() string {
	return firstNonLoopbackIPv4()
}

// firstNonLoopbackIPv4 is the reply-host fallback when the connect-back
// trick fails.
func firstNonLoopbackIPv4() string {
	for _, n := range localIPv4Nets() {
		if !n.IP.IsLoopback() {
			return n.IP.To4().String()
		}
	}
	return "127.0.0.1"
}
