/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package zone

import (
	"sync"
	"time"

	"github.com/miekg/dns"
	cmap "github.com/orcaman/concurrent-map/v2"
)

// DnssecStatus is the zone's signing mode.
type DnssecStatus uint8

const (
	Unsigned DnssecStatus = iota
	SignedWithNSEC
	SignedWithNSEC3
)

var dnssecStatusToString = map[DnssecStatus]string{
	Unsigned:        "unsigned",
	SignedWithNSEC:  "signed-nsec",
	SignedWithNSEC3: "signed-nsec3",
}

func (s DnssecStatus) String() string { return dnssecStatusToString[s] }

// RRInfo is the side-band info block attached to a record; it is mutable
// and not part of record identity.
type RRInfo struct {
	Glue      []dns.RR // cross-linked glue for an NS record, keyed by owner on the NS record's info block
	Disabled  bool
	Comment   string
	DeletedOn time.Time
}

// RRset is an ordered sequence of records of a single (name, type, class),
// sharing one TTL, plus the parallel RRSIG set produced by signing.
type RRset struct {
	Name   string
	RRtype uint16
	TTL    uint32
	RRs    []dns.RR
	RRSIGs []dns.RR
	Info   []*RRInfo // parallel to RRs; may be shorter, missing entries treated as zero value
}

func (r RRset) infoFor(idx int) *RRInfo {
	if idx < len(r.Info) && r.Info[idx] != nil {
		return r.Info[idx]
	}
	return &RRInfo{}
}

// Owner holds every RRset at one owner name.
type Owner struct {
	Name    string
	RRtypes *ConcurrentRRTypeStore
}

func NewOwner(name string) *Owner {
	return &Owner{Name: name, RRtypes: NewConcurrentRRTypeStore()}
}

// Policy carries the opaque-to-the-core configuration knobs the facade and
// maintenance driver consult. Zone-transfer/notify policy is passed through
// to the Notifier external collaborator untouched.
type Policy struct {
	Internal bool // internal zones skip journaling and serial bumping entirely

	DnskeyTTL           uint32
	MaxRecordTTL        uint32
	MaxRRSIGTTL         uint32
	ParentPropDelay     time.Duration // default 24h when parent SOA unavailable
	ReSignFraction      int           // re-sign check every validity-period/ReSignFraction; default 10
	MaintenanceInterval time.Duration // steady-state tick interval; default 15m
	MaintenanceInitial  time.Duration // first tick after sign/load; default 30s

	Algorithm uint8 // default signing algorithm for generated keys
	RolloverDays map[string]int // keytype ("KSK"/"ZSK") -> rollover-days, 0 = no automatic rollover
}

// DefaultPolicy matches the literal values named in the component design.
func DefaultPolicy() Policy {
	return Policy{
		DnskeyTTL:           3600,
		MaxRecordTTL:        3600,
		MaxRRSIGTTL:         3600,
		ParentPropDelay:     24 * time.Hour,
		ReSignFraction:      10,
		MaintenanceInterval: 15 * time.Minute,
		MaintenanceInitial:  30 * time.Second,
		Algorithm:           dns.ECDSAP256SHA256,
		RolloverDays:        map[string]int{"KSK": 0, "ZSK": 0},
	}
}

// Zone is the primary-zone object: record store, SOA serial discipline, key
// store, journal and denial-chain state, all owned by one apex name.
type Zone struct {
	Name   string
	Status DnssecStatus

	mu     sync.Mutex // not locked by any code in this package
	Owners cmap.ConcurrentMap[string, *Owner]

	keyStoreMutex     sync.Mutex
	dnssecUpdateMutex sync.Mutex
	journalMutex      sync.Mutex

	Keys    *KeyStore
	keys    []*DnssecKey // in-memory cache of every key in the store; keyStoreMutex protects it
	Journal *Journal

	nsec3 *nsec3Params // nil in NSEC mode; dnssecUpdateMutex protects both this and the chain RRs

	Policy Policy

	Logger     Logger
	Notifier   Notifier
	Persister  Persister
	DirectQuer DirectQuery
	Manager    ZoneManager

	maintenance *maintenanceTask
}

func (z *Zone) logf(format string, args ...interface{}) {
	if z.Logger != nil {
		z.Logger.Printf(format, args...)
	}
}

// GetOwner returns (creating if absent) the Owner entry for name. Name is
// canonicalised to lowercase, matching the store's case-insensitive keying.
func (z *Zone) GetOwner(name string) *Owner {
	name = dns.CanonicalName(name)
	if o, ok := z.Owners.Get(name); ok {
		return o
	}
	o := NewOwner(name)
	z.Owners.SetIfAbsent(name, o)
	actual, _ := z.Owners.Get(name)
	return actual
}

func (z *Zone) OwnerExists(name string) bool {
	_, ok := z.Owners.Get(dns.CanonicalName(name))
	return ok
}

// OwnerNames returns every owner name currently holding at least one RRset,
// unsorted; callers that need canonical order must sort.
func (z *Zone) OwnerNames() []string {
	names := make([]string, 0, z.Owners.Count())
	for name, owner := range z.Owners.Items() {
		if owner.RRtypes.Count() > 0 {
			names = append(names, name)
		}
	}
	return names
}

func (z *Zone) apex() *Owner {
	return z.GetOwner(z.Name)
}

func (z *Zone) soa() (*dns.SOA, bool) {
	rrset, ok := z.apex().RRtypes.Get(dns.TypeSOA)
	if !ok || len(rrset.RRs) == 0 {
		return nil, false
	}
	soa, ok := rrset.RRs[0].(*dns.SOA)
	return soa, ok
}

func (z *Zone) validityPeriod() uint32 {
	soa, ok := z.soa()
	if !ok {
		return 5 * 24 * 3600
	}
	return soa.Expire + 3*24*3600
}

func (z *Zone) propagationDelay() time.Duration {
	soa, ok := z.soa()
	if !ok {
		return 0
	}
	return time.Duration(soa.Refresh+soa.Retry) * time.Second
}
