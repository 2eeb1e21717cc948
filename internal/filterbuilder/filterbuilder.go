// Package filterbuilder turns CIDR and port-range lists into a kernel
// capture filter expression selecting outbound UDP traffic.
package filterbuilder

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// IPRange returns the inclusive [start, end] IPv4 addresses for a CIDR
// string ("155.133.232.0/23") or a bare IPv4 address (treated as /32).
func IPRange(cidr string) (start, end net.IP, err error) {
	if idx := strings.IndexByte(cidr, '/'); idx >= 0 {
		ipStr, prefixStr := cidr[:idx], cidr[idx+1:]
		ip := net.ParseIP(ipStr).To4()
		if ip == nil {
			return nil, nil, fmt.Errorf("filterbuilder: invalid IP %q", ipStr)
		}

		prefix, perr := strconv.Atoi(prefixStr)
		if perr != nil {
			return nil, nil, fmt.Errorf("filterbuilder: invalid prefix %q: %w", prefixStr, perr)
		}
		if prefix < 0 || prefix > 32 {
			return nil, nil, fmt.Errorf("filterbuilder: invalid prefix length: %d", prefix)
		}

		ipU32 := ipToUint32(ip)
		var mask uint32
		if prefix == 0 {
			mask = 0
		} else {
			mask = ^uint32(0) << (32 - prefix)
		}
		startU32 := ipU32 & mask
		endU32 := startU32 | ^mask
		return uint32ToIP(startU32), uint32ToIP(endU32), nil
	}

	ip := net.ParseIP(cidr).To4()
	if ip == nil {
		return nil, nil, fmt.Errorf("filterbuilder: invalid IP %q", cidr)
	}
	return ip, ip, nil
}

// PortRange parses "P" or "P1-P2" (whitespace-tolerant) into an inclusive
// [start, end] port range.
func PortRange(spec string) (start, end uint16, err error) {
	if idx := strings.IndexByte(spec, '-'); idx >= 0 {
		startStr := strings.TrimSpace(spec[:idx])
		endStr := strings.TrimSpace(spec[idx+1:])

		s, serr := strconv.ParseUint(startStr, 10, 16)
		if serr != nil {
			return 0, 0, fmt.Errorf("filterbuilder: invalid port %q: %w", startStr, serr)
		}
		e, eerr := strconv.ParseUint(endStr, 10, 16)
		if eerr != nil {
			return 0, 0, fmt.Errorf("filterbuilder: invalid port %q: %w", endStr, eerr)
		}
		if s > e {
			return 0, 0, fmt.Errorf("filterbuilder: port range start %d > end %d", s, e)
		}
		return uint16(s), uint16(e), nil
	}

	p, err := strconv.ParseUint(strings.TrimSpace(spec), 10, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("filterbuilder: invalid port %q: %w", spec, err)
	}
	return uint16(p), uint16(p), nil
}

// Build produces a single kernel capture expression selecting outbound UDP
// whose destination lies in the union of the given CIDR/IP ranges and
// whose destination port lies in the union of the given port ranges.
// Output is deterministic for the same inputs.
func Build(serverIPs, ports []string) (string, error) {
	if len(serverIPs) == 0 {
		return "", fmt.Errorf("filterbuilder: no server IPs provided")
	}
	if len(ports) == 0 {
		return "", fmt.Errorf("filterbuilder: no ports provided")
	}

	ipClauses := make([]string, 0, len(serverIPs))
	for _, cidr := range serverIPs {
		start, end, err := IPRange(cidr)
		if err != nil {
			return "", err
		}
		if start.Equal(end) {
			ipClauses = append(ipClauses, fmt.Sprintf("ip.DstAddr == %s", start))
		} else {
			ipClauses = append(ipClauses, fmt.Sprintf("(ip.DstAddr >= %s and ip.DstAddr <= %s)", start, end))
		}
	}

	portClauses := make([]string, 0, len(ports))
	for _, spec := range ports {
		start, end, err := PortRange(spec)
		if err != nil {
			return "", err
		}
		if start == end {
			portClauses = append(portClauses, fmt.Sprintf("udp.DstPort == %d", start))
		} else {
			portClauses = append(portClauses, fmt.Sprintf("(udp.DstPort >= %d and udp.DstPort <= %d)", start, end))
		}
	}

	ipFilter := ipClauses[0]
	if len(ipClauses) > 1 {
		ipFilter = "(" + strings.Join(ipClauses, " or ") + ")"
	}

	portFilter := portClauses[0]
	if len(portClauses) > 1 {
		portFilter = "(" + strings.Join(portClauses, " or ") + ")"
	}

	return fmt.Sprintf("outbound and udp and %s and %s", ipFilter, portFilter), nil
}

func ipToUint32(ip net.IP) uint32 {
	return uint32(ip[0])<<24 | uint32(ip[1])<<16 | uint32(ip[2])<<8 | uint32(ip[3])
}

func uint32ToIP(v uint32) net.IP {
	return net.IPv4(byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}
