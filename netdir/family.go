package netdir

import (
	"net/netip"
	"slices"
)

// Subnet prefix lengths within which two relays are considered related.
const (
	SubnetBitsIPv4 = 16
	SubnetBitsIPv6 = 32
)

// DeclaresFamily reports whether r lists other as a family member.
func (r *Relay) DeclaresFamily(other *Relay) bool {
	return slices.Contains(r.Family, other.RSAID)
}

// InSameFamily reports whether a and b both declare each other.
func InSameFamily(a, b *Relay) bool {
	return a.DeclaresFamily(b) && b.DeclaresFamily(a)
}

// InSameSubnet reports whether a and b have addresses in the same IPv4 /16
// or IPv6 /32.
func InSameSubnet(a, b *Relay) bool {
	for _, x := range a.Addrs {
		for _, y := range b.Addrs {
			if sameSubnet(x.Addr(), y.Addr()) {
				return true
			}
		}
	}
	return false
}

func sameSubnet(x, y netip.Addr) bool {
	x, y = x.Unmap(), y.Unmap()
	if x.Is4() != y.Is4() {
		return false
	}
	bits := SubnetBitsIPv6
	if x.Is4() {
		bits = SubnetBitsIPv4
	}
	px, err := x.Prefix(bits)
	if err != nil {
		return false
	}
	return px.Contains(y)
}

// Related reports whether a and b must not share a circuit: they are the
// same relay, a declared family, or sit in the same subnet.
func Related(a, b *Relay) bool {
	return a.ID == b.ID || InSameFamily(a, b) || InSameSubnet(a, b)
}
