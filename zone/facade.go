/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package zone

import (
	"strings"

	"github.com/miekg/dns"
	cmap "github.com/orcaman/concurrent-map/v2"
)

// typeFWD is a reserved type code in the same private range as typeANAME
// and typeAPP (see signer.go) for the forwarding-delegation extension a
// primary zone does not implement.
const typeFWD uint16 = 65282

// NewZone creates a zone from scratch: an apex holding SOA (serial 1) and
// the given NS records, unsigned.
func NewZone(name string, policy Policy, nsTargets []string, mbox string, keys *KeyStore) *Zone {
	z := &Zone{
		Name:    dns.Fqdn(name),
		Status:  Unsigned,
		Owners:  cmap.New[*Owner](),
		Keys:    keys,
		Journal: NewJournal(),
		Policy:  policy,
	}
	apex := z.apex()

	soa := &dns.SOA{
		Hdr:     dns.RR_Header{Name: z.Name, Rrtype: dns.TypeSOA, Class: dns.ClassINET, Ttl: policy.MaxRecordTTL},
		Ns:      dns.Fqdn(firstOr(nsTargets, z.Name)),
		Mbox:    dns.Fqdn(mbox),
		Serial:  1,
		Refresh: 86400,
		Retry:   7200,
		Expire:  3600000,
		Minttl:  policy.MaxRecordTTL,
	}
	apex.RRtypes.Set(dns.TypeSOA, RRset{Name: z.Name, RRtype: dns.TypeSOA, TTL: soa.Hdr.Ttl, RRs: []dns.RR{soa}})

	nsRRs := make([]dns.RR, 0, len(nsTargets))
	for _, n := range nsTargets {
		nsRRs = append(nsRRs, &dns.NS{
			Hdr: dns.RR_Header{Name: z.Name, Rrtype: dns.TypeNS, Class: dns.ClassINET, Ttl: policy.MaxRecordTTL},
			Ns:  dns.Fqdn(n),
		})
	}
	if len(nsRRs) > 0 {
		apex.RRtypes.Set(dns.TypeNS, RRset{Name: z.Name, RRtype: dns.TypeNS, TTL: policy.MaxRecordTTL, RRs: nsRRs})
	}

	return z
}

func firstOr(ss []string, fallback string) string {
	if len(ss) > 0 {
		return ss[0]
	}
	return fallback
}

func isInternalType(t uint16) bool {
	switch t {
	case dns.TypeDNSKEY, dns.TypeRRSIG, dns.TypeNSEC, dns.TypeNSEC3, dns.TypeNSEC3PARAM:
		return true
	}
	return false
}

func (z *Zone) isApexName(name string) bool {
	return strings.EqualFold(dns.Fqdn(name), z.Name)
}

func anyDisabled(info []*RRInfo) bool {
	for _, i := range info {
		if i != nil && i.Disabled {
			return true
		}
	}
	return false
}

func ttlOf(records []dns.RR, fallback uint32) uint32 {
	if len(records) == 0 {
		return fallback
	}
	return records[0].Header().Ttl
}

// glueRecordsFor returns the in-bailiwick A/AAAA records at nsTarget: the
// glue an NS record delegating to nsTarget cross-links in its info block.
// Out-of-bailiwick targets and targets with no address records yield nil.
func (z *Zone) glueRecordsFor(nsTarget string) []dns.RR {
	target := dns.Fqdn(nsTarget)
	if !strings.HasSuffix(target, z.Name) || !z.OwnerExists(target) {
		return nil
	}
	owner := z.GetOwner(target)
	var glue []dns.RR
	if rrset, ok := owner.RRtypes.Get(dns.TypeA); ok {
		glue = append(glue, rrset.RRs...)
	}
	if rrset, ok := owner.RRtypes.Get(dns.TypeAAAA); ok {
		glue = append(glue, rrset.RRs...)
	}
	return glue
}

// populateNSGlue cross-links rr's in-bailiwick glue into info.Glue when rr
// is an NS record; every other type passes info through unchanged.
func (z *Zone) populateNSGlue(rr dns.RR, info *RRInfo) *RRInfo {
	ns, ok := rr.(*dns.NS)
	if !ok {
		return info
	}
	glue := z.glueRecordsFor(ns.Ns)
	if glue == nil {
		return info
	}
	cp := RRInfo{}
	if info != nil {
		cp = *info
	}
	cp.Glue = glue
	return &cp
}

// populateNSGlueSlice applies populateNSGlue across a whole incoming RRset,
// keeping the returned slice parallel to records.
func (z *Zone) populateNSGlueSlice(records []dns.RR, infos []*RRInfo) []*RRInfo {
	out := make([]*RRInfo, len(records))
	for i, rr := range records {
		var in *RRInfo
		if i < len(infos) {
			in = infos[i]
		}
		out[i] = z.populateNSGlue(rr, in)
	}
	return out
}

// checkMutableType applies the type-level restrictions common to every
// facade entry point: internal DNSSEC bookkeeping types, FWD, apex
// CNAME/DS, and (if signed) ANAME/APP/disabled records.
func (z *Zone) checkMutableType(owner string, rrtype uint16, info []*RRInfo) error {
	if isInternalType(rrtype) {
		return newError(InvalidInput, z.Name, "type %s is internal and cannot be set directly", dns.TypeToString[rrtype])
	}
	if rrtype == typeFWD {
		return newError(InvalidInput, z.Name, "FWD records are not supported by a primary zone")
	}
	if z.isApexName(owner) && (rrtype == dns.TypeCNAME || rrtype == dns.TypeDS) {
		return newError(InvalidApexOperation, z.Name, "type %s cannot exist at the zone apex", dns.TypeToString[rrtype])
	}
	if z.Status != Unsigned {
		if unsignableInSignedZone(rrtype) {
			return newError(UnsupportedInSignedZone, z.Name, "type %s cannot exist in a signed zone", dns.TypeToString[rrtype])
		}
		if anyDisabled(info) {
			return newError(UnsupportedInSignedZone, z.Name, "disabled records are not permitted in a signed zone")
		}
	}
	return nil
}

// SetRecords replaces the whole RRset at (owner, rrtype). SOA is routed
// through setSOA, which carries its own constraint set.
func (z *Zone) SetRecords(owner string, rrtype uint16, records []dns.RR, info []*RRInfo) error {
	name := dns.Fqdn(owner)

	if rrtype == dns.TypeSOA {
		if !z.isApexName(name) {
			return newError(InvalidApexOperation, z.Name, "SOA may only be set at the zone apex")
		}
		return z.setSOA(records)
	}

	if err := z.checkMutableType(name, rrtype, info); err != nil {
		return err
	}

	info = z.populateNSGlueSlice(records, info)

	target := z.GetOwner(name)
	deletedRRs, deletedInfo, deletedRRSIGs := target.RRtypes.Set(rrtype, RRset{
		Name:   name,
		RRtype: rrtype,
		TTL:    ttlOf(records, z.Policy.MaxRecordTTL),
		RRs:    records,
		Info:   info,
	})

	deleted := append(journalable(deletedRRs, deletedInfo), deletedRRSIGs...)
	added := journalable(records, info)
	if _, err := z.commitAndIncrementSerial(deleted, added); err != nil {
		return err
	}
	return z.finishMutation(name, rrtype)
}

// AddRecord merges a single record into the RRset at its (owner, type). APP
// cannot be added incrementally; it must be set wholesale via SetRecords.
func (z *Zone) AddRecord(rr dns.RR, info *RRInfo) error {
	name := dns.Fqdn(rr.Header().Name)
	rrtype := rr.Header().Rrtype

	if rrtype == typeAPP {
		return newError(InvalidInput, z.Name, "APP records must be set, not added")
	}
	var infos []*RRInfo
	if info != nil {
		infos = []*RRInfo{info}
	}
	if err := z.checkMutableType(name, rrtype, infos); err != nil {
		return err
	}

	info = z.populateNSGlue(rr, info)

	target := z.GetOwner(name)
	added, deletedRRs, deletedInfo, deletedRRSIGs := target.RRtypes.Add(rr, info)
	if added == nil && deletedRRs == nil {
		return nil // identical record already present: no-op, no journal entry
	}

	deleted := append(journalable(deletedRRs, deletedInfo), deletedRRSIGs...)
	addedList := journalable([]dns.RR{added}, []*RRInfo{info})

	if _, err := z.commitAndIncrementSerial(deleted, addedList); err != nil {
		return err
	}
	return z.finishMutation(name, rrtype)
}

// DeleteRecords removes every record at (owner, type). SOA and the
// internal DNSSEC types cannot be deleted this way.
func (z *Zone) DeleteRecords(owner string, rrtype uint16) error {
	name := dns.Fqdn(owner)
	if rrtype == dns.TypeSOA {
		return newError(InvalidApexOperation, z.Name, "SOA cannot be deleted")
	}
	if isInternalType(rrtype) {
		return newError(InvalidInput, z.Name, "type %s is internal and cannot be deleted directly", dns.TypeToString[rrtype])
	}

	target := z.GetOwner(name)
	deletedRRs, deletedInfo, deletedRRSIGs := target.RRtypes.Delete(rrtype)
	if len(deletedRRs) == 0 {
		return nil
	}

	deleted := append(journalable(deletedRRs, deletedInfo), deletedRRSIGs...)
	if _, err := z.commitAndIncrementSerial(deleted, nil); err != nil {
		return err
	}
	return z.finishMutation(name, rrtype)
}

// DeleteRecord removes one record matching rdata's (name, type, class,
// RDATA) from its RRset.
func (z *Zone) DeleteRecord(rdata dns.RR) error {
	name := dns.Fqdn(rdata.Header().Name)
	rrtype := rdata.Header().Rrtype
	if rrtype == dns.TypeSOA {
		return newError(InvalidApexOperation, z.Name, "SOA cannot be deleted")
	}
	if isInternalType(rrtype) {
		return newError(InvalidInput, z.Name, "type %s is internal and cannot be deleted directly", dns.TypeToString[rrtype])
	}

	target := z.GetOwner(name)
	deleted, info := target.RRtypes.DeleteRdata(rrtype, rdata)
	if deleted == nil {
		return nil
	}

	deletedList := journalable([]dns.RR{deleted}, []*RRInfo{info})
	if _, err := z.commitAndIncrementSerial(deletedList, nil); err != nil {
		return err
	}
	return z.finishMutation(name, rrtype)
}

// UpdateRecord replaces oldRR with newRR at the same (owner, type). The
// type must match; if the zone is signed, newRR's info must not be disabled.
func (z *Zone) UpdateRecord(oldRR, newRR dns.RR, newInfo *RRInfo) error {
	if oldRR.Header().Rrtype != newRR.Header().Rrtype {
		return newError(InvalidInput, z.Name, "update must preserve record type")
	}
	name := dns.Fqdn(newRR.Header().Name)
	rrtype := newRR.Header().Rrtype

	var infos []*RRInfo
	if newInfo != nil {
		infos = []*RRInfo{newInfo}
	}
	if err := z.checkMutableType(name, rrtype, infos); err != nil {
		return err
	}
	if newRR.Header().Ttl > z.expireOr(uint32(1<<31)) {
		return newError(OutOfRange, z.Name, "TTL exceeds SOA EXPIRE")
	}

	target := z.GetOwner(dns.Fqdn(oldRR.Header().Name))
	deletedOld, deletedOldInfo := target.RRtypes.DeleteRdata(oldRR.Header().Rrtype, oldRR)

	newInfo = z.populateNSGlue(newRR, newInfo)

	newTarget := z.GetOwner(name)
	added, deletedByAddRRs, deletedByAddInfo, deletedByAddRRSIGs := newTarget.RRtypes.Add(newRR, newInfo)

	var deleted []dns.RR
	if deletedOld != nil {
		deleted = append(deleted, journalable([]dns.RR{deletedOld}, []*RRInfo{deletedOldInfo})...)
	}
	deleted = append(deleted, journalable(deletedByAddRRs, deletedByAddInfo)...)
	deleted = append(deleted, deletedByAddRRSIGs...)

	var addedList []dns.RR
	if added != nil {
		addedList = journalable([]dns.RR{added}, []*RRInfo{newInfo})
	}

	if _, err := z.commitAndIncrementSerial(deleted, addedList); err != nil {
		return err
	}
	if err := z.finishMutation(dns.Fqdn(oldRR.Header().Name), rrtype); err != nil {
		return err
	}
	if name != dns.Fqdn(oldRR.Header().Name) {
		return z.finishMutation(name, rrtype)
	}
	return nil
}

func (z *Zone) expireOr(fallback uint32) uint32 {
	soa, ok := z.soa()
	if !ok {
		return fallback
	}
	return soa.Expire
}

// setSOA implements the SOA-specific constraints: TTL <= EXPIRE, RETRY <=
// REFRESH <= EXPIRE, and a denial-chain refresh if MINIMUM changed.
func (z *Zone) setSOA(records []dns.RR) error {
	if len(records) != 1 {
		return newError(InvalidInput, z.Name, "SOA RRset must contain exactly one record")
	}
	soa, ok := records[0].(*dns.SOA)
	if !ok {
		return newError(InvalidInput, z.Name, "record is not a SOA")
	}
	if soa.Retry > soa.Refresh || soa.Refresh > soa.Expire {
		return newError(OutOfRange, z.Name, "SOA requires RETRY <= REFRESH <= EXPIRE")
	}
	if soa.Hdr.Ttl > soa.Expire {
		return newError(OutOfRange, z.Name, "SOA TTL exceeds EXPIRE")
	}

	oldSOA, hadOld := z.soa()
	minChanged := !hadOld || oldSOA.Minttl != soa.Minttl

	if _, err := z.commitAndIncrementSerial(nil, []dns.RR{soa}); err != nil {
		return err
	}

	if z.Status != Unsigned && minChanged {
		if z.Status == SignedWithNSEC {
			if err := z.rebuildNsecChain(); err != nil {
				return err
			}
		} else {
			if err := z.rebuildNsec3Chain(); err != nil {
				return err
			}
		}
	}

	if z.Notifier != nil {
		z.Notifier.TriggerNotify(z.Name)
	}
	return nil
}

// finishMutation re-signs the mutated RRset and refreshes the denial chain
// at owner if the zone is signed, then notifies. Every successful facade
// mutation funnels through here after commitAndIncrementSerial.
func (z *Zone) finishMutation(owner string, rrtype uint16) error {
	if z.Status != Unsigned {
		target := z.GetOwner(owner)
		if rrset, ok := target.RRtypes.Get(rrtype); ok && len(rrset.RRs) > 0 {
			if _, err := z.SignRRset(&rrset, false); err != nil {
				return err
			}
			target.RRtypes.Set(rrtype, rrset)
		}
		if err := z.UpdateDenialAt(owner); err != nil {
			return err
		}
	}
	if z.Notifier != nil {
		z.Notifier.TriggerNotify(z.Name)
	}
	return nil
}
