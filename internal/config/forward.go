package config

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseForward parses one forward string of the shape
// "[[protocol:]iface:]service-port:target-host:target-port" into a
// ServiceSpec. Defaults: protocol=tcp, iface=any. Parsing proceeds
// from the right (target-port, then target-host, then the remaining
// iface/service-port prefix) so that a bracketed IPv6 target-host
// ("[::1]") is supported without ambiguity, per SPEC_FULL.md §10.1.
func ParseForward(raw string) (ServiceSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ServiceSpec{}, fmt.Errorf("config: empty forward entry")
	}

	protocol := "tcp"
	if idx := strings.IndexByte(s, ':'); idx >= 0 {
		head := strings.ToLower(s[:idx])
		if head == "tcp" || head == "udp" {
			protocol = head
			s = s[idx+1:]
		}
	}

	lastColon := strings.LastIndexByte(s, ':')
	if lastColon < 0 {
		return ServiceSpec{}, fmt.Errorf("config: %q: missing target-port", raw)
	}
	targetPort, err := parsePort(s[lastColon+1:])
	if err != nil {
		return ServiceSpec{}, fmt.Errorf("config: %q: target-port: %w", raw, err)
	}
	rest := s[:lastColon]

	var targetHost, front string
	if strings.HasSuffix(rest, "]") {
		lb := strings.LastIndexByte(rest, '[')
		if lb < 0 {
			return ServiceSpec{}, fmt.Errorf("config: %q: unbalanced '[' in target-host", raw)
		}
		targetHost = rest[lb+1 : len(rest)-1]
		front = strings.TrimSuffix(rest[:lb], ":")
	} else {
		idx := strings.LastIndexByte(rest, ':')
		if idx < 0 {
			return ServiceSpec{}, fmt.Errorf("config: %q: missing target-host", raw)
		}
		targetHost = rest[idx+1:]
		front = rest[:idx]
	}
	if targetHost == "" {
		return ServiceSpec{}, fmt.Errorf("config: %q: empty target-host", raw)
	}

	iface := "any"
	servicePortStr := front
	if idx := strings.LastIndexByte(front, ':'); idx >= 0 {
		iface = front[:idx]
		servicePortStr = front[idx+1:]
	}
	servicePort, err := parsePort(servicePortStr)
	if err != nil {
		return ServiceSpec{}, fmt.Errorf("config: %q: service-port: %w", raw, err)
	}
	if iface == "" {
		iface = "any"
	}

	return ServiceSpec{
		Protocol:    protocol,
		Iface:       iface,
		ServicePort: servicePort,
		TargetHost:  targetHost,
		TargetPort:  targetPort,
	}, nil
}

func parsePort(s string) (int, error) {
	p, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", s)
	}
	if p < 1 || p > 65535 {
		return 0, fmt.Errorf("out of range [1,65535]: %d", p)
	}
	return p, nil
}
