/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package zone

import (
	"time"

	"github.com/miekg/dns"
)

// Logger is a best-effort write-line logger. A nil Logger is tolerated
// throughout the package; see Zone.logf.
type Logger interface {
	Printf(format string, args ...interface{})
}

// Notifier is the external IXFR/AXFR notify transport.
type Notifier interface {
	TriggerNotify(zoneName string)
	DisableNotifyTimer(zoneName string)
}

// Persister is the external on-disk persistence collaborator.
type Persister interface {
	SaveZoneFile(zoneName string) error
}

// DirectQuery is the external recursive/direct-query client used only to
// look up parent DS and parent SOA. It must never mutate the zone's own
// cache for the queried name; callers flush any cached entry before probing.
type DirectQuery interface {
	Query(question string, qtype uint16, timeout time.Duration) (*dns.Msg, error)
	FlushCache(question string, qtype uint16)
}

// ZoneManager defines sibling ordering and lookup for sub-domain zones in
// canonical DNS order. A Zone holds one in its Manager field; no code in
// this package calls it.
type ZoneManager interface {
	GetZoneWithSubDomainZones(apex string) []*Zone
	GetAuthZone(apex, owner string) *Zone
	GetOrAddSubDomainZone(apex, owner string) *Zone
	RemoveSubDomainZone(owner string)
	FindNextSubDomainZone(apex, owner string) (*Zone, bool)
	FindPreviousSubDomainZone(apex, owner string) (*Zone, bool)
	SubDomainExists(apex, owner string) bool
	GetParentZone(owner string) (*Zone, bool)
}
