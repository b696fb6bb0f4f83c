package netdir

import (
	"strconv"
	"strings"

	"github.com/cvsouth/tor-circmgr/circerr"
)

// PortRange is an inclusive range of TCP ports.
type PortRange struct {
	Lo, Hi uint16
}

// PortPolicy is a microdescriptor exit-policy summary: either an accept
// list or a reject list of port ranges. The zero value is an empty accept
// list and so rejects every port.
type PortPolicy struct {
	Reject bool
	Ranges []PortRange
}

// Allows reports whether the policy permits exiting to port.
func (p PortPolicy) Allows(port uint16) bool {
	in := false
	for _, r := range p.Ranges {
		if port >= r.Lo && port <= r.Hi {
			in = true
			break
		}
	}
	return in != p.Reject
}

func (p PortPolicy) String() string {
	verb := "accept"
	if p.Reject {
		verb = "reject"
	}
	if len(p.Ranges) == 0 {
		if p.Reject {
			return "accept 1-65535"
		}
		return "reject 1-65535"
	}
	parts := make([]string, 0, len(p.Ranges))
	for _, r := range p.Ranges {
		if r.Lo == r.Hi {
			parts = append(parts, strconv.Itoa(int(r.Lo)))
		} else {
			parts = append(parts, strconv.Itoa(int(r.Lo))+"-"+strconv.Itoa(int(r.Hi)))
		}
	}
	return verb + " " + strings.Join(parts, ",")
}

// ParsePortPolicy parses a summary such as "accept 80,443,8000-8100".
// An empty string yields the reject-all policy.
func ParsePortPolicy(s string) (PortPolicy, error) {
	var p PortPolicy
	s = strings.TrimSpace(s)
	if s == "" {
		return p, nil
	}
	verb, list, ok := strings.Cut(s, " ")
	if !ok {
		return p, circerr.BadInput("port policy %q: missing port list", s)
	}
	switch verb {
	case "accept":
	case "reject":
		p.Reject = true
	default:
		return p, circerr.BadInput("port policy %q: unknown verb %q", s, verb)
	}
	for _, item := range strings.Split(strings.TrimSpace(list), ",") {
		lo, hi, isRange := strings.Cut(item, "-")
		l, err := parsePort(lo)
		if err != nil {
			return p, circerr.BadInput("port policy %q: %v", s, err)
		}
		h := l
		if isRange {
			if h, err = parsePort(hi); err != nil {
				return p, circerr.BadInput("port policy %q: %v", s, err)
			}
		}
		if h < l {
			return p, circerr.BadInput("port policy %q: inverted range %s", s, item)
		}
		p.Ranges = append(p.Ranges, PortRange{Lo: l, Hi: h})
	}
	return p, nil
}

func parsePort(s string) (uint16, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, strconv.ErrRange
	}
	return uint16(n), nil
}
