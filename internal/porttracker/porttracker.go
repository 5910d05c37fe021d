// Package porttracker collects the ports used by the Xray inbounds and by
// xctl itself, and reports collisions between them.
package porttracker

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/bigbes/xctl/internal/config"
	"github.com/bigbes/xctl/internal/xray"
)

// PortInfo describes a single used port.
type PortInfo struct {
	Port  int    `json:"port"`
	Owner string `json:"owner"` // e.g. "inbound:vless-in", "observability"
	Proto string `json:"proto"` // "tcp", "udp", or "tcp+udp"
}

// UsedPorts returns all ports occupied by the Xray document and the
// controller settings. Either argument may be nil.
func UsedPorts(settings *config.Config, cfg *xray.Config) []PortInfo {
	var ports []PortInfo

	if cfg != nil {
		for _, in := range cfg.Inbounds {
			// Ranges and env references are resolved by Xray, not here.
			port, ok := in.Port.Int()
			if !ok || port <= 0 || port > 65535 {
				continue
			}
			owner := "inbound"
			if label := in.Tag; label != "" {
				owner = "inbound:" + label
			} else if in.Protocol != "" {
				owner = "inbound:" + in.Protocol
			}
			ports = append(ports, PortInfo{
				Port:  port,
				Owner: owner,
				Proto: inboundProto(in),
			})
		}
	}

	// Observability HTTP server.
	if settings != nil && settings.ObservabilityHTTP.Addr != "" {
		if p := extractPort(settings.ObservabilityHTTP.Addr); p > 0 {
			ports = append(ports, PortInfo{
				Port:  p,
				Owner: "observability",
				Proto: "tcp",
			})
		}
	}

	return ports
}

func inboundProto(in xray.Inbound) string {
	if in.StreamSettings != nil {
		switch in.StreamSettings.Network {
		case "kcp", "mkcp", "quic":
			return "udp"
		}
	}
	if in.Protocol == "dokodemo-door" || in.Protocol == "socks" {
		return "tcp+udp"
	}
	return "tcp"
}

// Conflict is a port claimed by more than one owner on overlapping protocols.
type Conflict struct {
	Port   int
	Owners []string
}

func (c Conflict) String() string {
	return fmt.Sprintf("port %d used by %s", c.Port, strings.Join(c.Owners, ", "))
}

// Conflicts returns the collisions in ports, ordered by port.
func Conflicts(ports []PortInfo) []Conflict {
	byPort := make(map[int][]PortInfo)
	for _, p := range ports {
		byPort[p.Port] = append(byPort[p.Port], p)
	}

	var out []Conflict
	for port, users := range byPort {
		if len(users) < 2 {
			continue
		}
		var owners []string
		for i, a := range users {
			for _, b := range users[i+1:] {
				if overlaps(a.Proto, b.Proto) {
					owners = appendUnique(owners, a.Owner)
					owners = appendUnique(owners, b.Owner)
				}
			}
		}
		if len(owners) > 0 {
			out = append(out, Conflict{Port: port, Owners: owners})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}

func overlaps(a, b string) bool {
	return strings.Contains(a, "tcp") && strings.Contains(b, "tcp") ||
		strings.Contains(a, "udp") && strings.Contains(b, "udp")
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}

// Check reports port conflicts and a Reality inbound port that differs from
// the expected xray.port setting (0 disables that check).
func Check(settings *config.Config, cfg *xray.Config) error {
	var problems []string
	for _, c := range Conflicts(UsedPorts(settings, cfg)) {
		problems = append(problems, c.String())
	}
	if settings != nil && settings.Xray.Port != 0 && cfg != nil {
		if in, err := cfg.Reality(); err == nil {
			if port, _ := in.Port.Int(); port != settings.Xray.Port {
				problems = append(problems, fmt.Sprintf("reality inbound listens on %s, settings expect %d", in.Port, settings.Xray.Port))
			}
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("porttracker: %s", strings.Join(problems, "; "))
	}
	return nil
}

// extractPort returns the port number from an address string like
// "0.0.0.0:1080", ":1080", or just "1080". Returns 0 on failure.
func extractPort(addr string) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		// Maybe it's just a bare port number.
		portStr = addr
	}
	p, err := strconv.Atoi(portStr)
	if err != nil || p <= 0 || p > 65535 {
		return 0
	}
	return p
}
