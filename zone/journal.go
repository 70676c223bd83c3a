/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package zone

import (
	"time"

	"github.com/miekg/dns"
	"github.com/synctonic/zoneguard/zone/ixfr"
)

// Journal is the zone's commit history, represented as a sequence of IXFR
// diff sequences so that incremental-transfer responses can be served
// directly from journal ranges.
type Journal struct {
	commits []journalCommit
}

type journalCommit struct {
	diff ixfr.DiffSequence
	at   time.Time
}

func NewJournal() *Journal {
	return &Journal{}
}

func (j *Journal) append(ds ixfr.DiffSequence, at time.Time) {
	j.commits = append(j.commits, journalCommit{diff: ds, at: at})
}

// evict drops whole commits older than expire, oldest-contiguous-first,
// but always keeps at least the most recent commit as a baseline.
func (j *Journal) evict(expire time.Duration) {
	if len(j.commits) <= 1 {
		return
	}
	cutoff := time.Now().UTC().Add(-expire)
	i := 0
	for i < len(j.commits)-1 && j.commits[i].at.Before(cutoff) {
		i++
	}
	j.commits = j.commits[i:]
}

// Since returns every commit from fromSerial (exclusive) onward, in order,
// and whether the range is fully covered by retained history. A caller
// whose requested serial predates the oldest retained commit should fall
// back to AXFR.
func (j *Journal) Since(fromSerial uint32) ([]ixfr.DiffSequence, bool) {
	if len(j.commits) == 0 {
		return nil, false
	}
	for i, c := range j.commits {
		if c.diff.StartSOASerial == fromSerial {
			out := make([]ixfr.DiffSequence, 0, len(j.commits)-i)
			for _, c2 := range j.commits[i:] {
				out = append(out, c2.diff)
			}
			return out, true
		}
	}
	return nil, false
}

func (j *Journal) LatestSerial() (uint32, bool) {
	if len(j.commits) == 0 {
		return 0, false
	}
	return j.commits[len(j.commits)-1].diff.EndSOASerial, true
}

// nextSerial computes the new SOA serial per the commit algorithm: if old
// is already at the wrap boundary, always wrap to 1; otherwise take the
// larger of old+1 and any explicitly supplied serial.
func nextSerial(old uint32, supplied uint32, suppliedValid bool) uint32 {
	if old == 0xFFFFFFFF {
		return 1
	}
	inc := old + 1
	if suppliedValid && supplied > inc {
		return supplied
	}
	return inc
}

// commitAndIncrementSerial is the single path every mutating operation
// funnels through: it bumps the SOA serial, re-signs the new SOA if the
// zone is signed, and appends one commit to the journal. deleted/added are
// the non-SOA records the caller already applied to the record store,
// already reduced to their journalable form (disabled records dropped, NS
// glue folded in via journalable in facade.go); passing a *dns.SOA inside
// added supplies an explicit new serial (e.g. an operator-issued
// SetRecords on the SOA RRset) instead of a plain bump. Internal zones
// skip journaling and the serial bump entirely.
func (z *Zone) commitAndIncrementSerial(deleted, added []dns.RR) (uint32, error) {
	z.journalMutex.Lock()
	defer z.journalMutex.Unlock()

	oldSOA, ok := z.soa()
	if !ok {
		return 0, newError(InvalidApexOperation, z.Name, "zone has no SOA")
	}
	oldSOACopy := *oldSOA

	if z.Policy.Internal {
		// Internal zones still accept the mutation but never bump a serial
		// or journal it; the caller has already applied added/deleted to
		// the record store.
		return oldSOACopy.Serial, nil
	}

	var suppliedSOA *dns.SOA
	remainingAdded := make([]dns.RR, 0, len(added))
	for _, rr := range added {
		if soa, ok := rr.(*dns.SOA); ok {
			suppliedSOA = soa
			continue
		}
		remainingAdded = append(remainingAdded, rr)
	}

	newSOA := oldSOACopy
	if suppliedSOA != nil {
		newSOA = *suppliedSOA
		newSOA.Hdr.Name = oldSOACopy.Hdr.Name
		newSOA.Hdr.Rrtype = dns.TypeSOA
		newSOA.Hdr.Class = oldSOACopy.Hdr.Class
	}
	newSOA.Serial = nextSerial(oldSOACopy.Serial, func() uint32 {
		if suppliedSOA != nil {
			return suppliedSOA.Serial
		}
		return 0
	}(), suppliedSOA != nil)

	apex := z.apex()
	apex.RRtypes.Set(dns.TypeSOA, RRset{
		Name:   dns.Fqdn(z.Name),
		RRtype: dns.TypeSOA,
		TTL:    newSOA.Hdr.Ttl,
		RRs:    []dns.RR{&newSOA},
	})

	var newRRSIGs []dns.RR
	if z.Status != Unsigned {
		rrset := apex.RRtypes.GetOnlyRRset(dns.TypeSOA)
		if _, err := z.SignRRset(&rrset, true); err != nil {
			return 0, err
		}
		apex.RRtypes.Set(dns.TypeSOA, rrset)
		newRRSIGs = rrset.RRSIGs
	}

	ds := ixfr.NewDiffSequence(oldSOACopy.Serial, newSOA.Serial)
	ds.DeletedRecords = append(ds.DeletedRecords, &oldSOACopy)
	ds.DeletedRecords = append(ds.DeletedRecords, deleted...)
	ds.AddedRecords = append(ds.AddedRecords, &newSOA)
	ds.AddedRecords = append(ds.AddedRecords, remainingAdded...)
	ds.AddedRecords = append(ds.AddedRecords, newRRSIGs...)

	z.Journal.append(ds, time.Now().UTC())
	z.Journal.evict(time.Duration(newSOA.Expire) * time.Second)

	return newSOA.Serial, nil
}
