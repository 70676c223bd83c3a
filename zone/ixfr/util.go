package ixfr

import (
	"github.com/miekg/dns"
)

// rrEquals reports whether a and b hold the same multiset of records,
// compared by their zone-file text form, regardless of order.
func rrEquals(a, b []dns.RR) bool {
	if len(a) != len(b) {
		return false
	}

	diff := make(map[string]int, len(a))
	for _, ra := range a {
		if ra == nil {
			continue
		}
		diff[ra.String()]++
	}

	for _, rb := range b {
		if rb == nil {
			continue
		}
		_, ok := diff[rb.String()]
		if !ok {
			return false
		}
		diff[rb.String()]--
		if diff[rb.String()] == 0 {
			delete(diff, rb.String())
		}
	}

	return len(diff) == 0
}
