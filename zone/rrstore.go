/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package zone

import (
	"github.com/miekg/dns"
	cmap "github.com/orcaman/concurrent-map/v2"
)

// ConcurrentRRTypeStore is a per-owner map of RRset by type, sharded by the
// RR type code itself. Updates to different types at the same owner share a
// shard lock only when their codes are equal modulo cmap's shard count
// (for example MX and NSEC).
type ConcurrentRRTypeStore struct {
	data cmap.ConcurrentMap[uint16, RRset]
}

func NewConcurrentRRTypeStore() *ConcurrentRRTypeStore {
	return &ConcurrentRRTypeStore{
		data: cmap.NewWithCustomShardingFunction[uint16, RRset](func(key uint16) uint32 {
			return uint32(key)
		}),
	}
}

func (s *ConcurrentRRTypeStore) Get(rrtype uint16) (RRset, bool) {
	return s.data.Get(rrtype)
}

func (s *ConcurrentRRTypeStore) GetOnlyRRset(rrtype uint16) RRset {
	rrset, _ := s.data.Get(rrtype)
	return rrset
}

// journalable keeps the non-disabled records from rrs and folds in the glue
// their parallel info entries carry (info shorter than rrs is padded with
// nils) -- the subset a journal commit records for its deleted/added side.
// Disabled records, and any glue attached to them, are excluded: they were
// never visible to a resolver, so their removal leaves nothing to announce.
func journalable(rrs []dns.RR, infos []*RRInfo) []dns.RR {
	var out []dns.RR
	for i, rr := range rrs {
		var info *RRInfo
		if i < len(infos) {
			info = infos[i]
		}
		if info != nil && info.Disabled {
			continue
		}
		out = append(out, rr)
		if info != nil {
			out = append(out, info.Glue...)
		}
	}
	return out
}

// Set replaces the RRset at rrtype wholesale and reports the RRs, their
// parallel info, and any RRSIGs the replacement displaced (all nil if
// nothing existed before).
func (s *ConcurrentRRTypeStore) Set(rrtype uint16, value RRset) (deletedRRs []dns.RR, deletedInfo []*RRInfo, deletedRRSIGs []dns.RR) {
	if old, ok := s.data.Get(rrtype); ok {
		deletedRRs, deletedInfo, deletedRRSIGs = old.RRs, old.Info, old.RRSIGs
	}
	s.data.Set(rrtype, value)
	return deletedRRs, deletedInfo, deletedRRSIGs
}

// Add merges rr into the existing RRset at its type if TTLs agree; otherwise
// the incoming TTL overrides, and the previously-stored records, their info
// and their RRSIGs are reported as displaced for journaling. info is kept
// parallel to the stored RRs, missing entries treated as nil.
func (s *ConcurrentRRTypeStore) Add(rr dns.RR, info *RRInfo) (added dns.RR, deletedRRs []dns.RR, deletedInfo []*RRInfo, deletedRRSIGs []dns.RR) {
	rrtype := rr.Header().Rrtype
	old, exists := s.data.Get(rrtype)
	if !exists {
		s.data.Set(rrtype, RRset{
			Name:   rr.Header().Name,
			RRtype: rrtype,
			TTL:    rr.Header().Ttl,
			RRs:    []dns.RR{rr},
			Info:   []*RRInfo{info},
		})
		return rr, nil, nil, nil
	}

	for _, existing := range old.RRs {
		if dns.IsDuplicate(existing, rr) {
			return nil, nil, nil, nil // no-op: identical (name,type,class,rdata) already present
		}
	}

	if old.TTL == rr.Header().Ttl {
		old.RRs = append(old.RRs, rr)
		for len(old.Info) < len(old.RRs)-1 {
			old.Info = append(old.Info, nil)
		}
		old.Info = append(old.Info, info)
		s.data.Set(rrtype, old)
		return rr, nil, nil, nil
	}

	// TTL disagreement: incoming TTL overrides; the whole old RRset (records, info, RRSIGs) is displaced.
	deletedRRs, deletedInfo, deletedRRSIGs = old.RRs, old.Info, old.RRSIGs
	s.data.Set(rrtype, RRset{
		Name:   rr.Header().Name,
		RRtype: rrtype,
		TTL:    rr.Header().Ttl,
		RRs:    []dns.RR{rr},
		Info:   []*RRInfo{info},
	})
	return rr, deletedRRs, deletedInfo, deletedRRSIGs
}

// Delete removes the whole RRset at rrtype and reports its RRs, their
// parallel info, and its RRSIGs.
func (s *ConcurrentRRTypeStore) Delete(rrtype uint16) (deletedRRs []dns.RR, deletedInfo []*RRInfo, deletedRRSIGs []dns.RR) {
	if old, ok := s.data.Get(rrtype); ok {
		deletedRRs, deletedInfo, deletedRRSIGs = old.RRs, old.Info, old.RRSIGs
	}
	s.data.Remove(rrtype)
	return deletedRRs, deletedInfo, deletedRRSIGs
}

// DeleteRdata removes a single record matching rdata's (name, type, class,
// RDATA) from the RRset at its type, leaving the rest of the RRset (and its
// RRSIGs, now stale until the next sign pass) intact, and reports the
// deleted record's own info block.
func (s *ConcurrentRRTypeStore) DeleteRdata(rrtype uint16, rdata dns.RR) (deleted dns.RR, info *RRInfo) {
	old, ok := s.data.Get(rrtype)
	if !ok {
		return nil, nil
	}
	kept := old.RRs[:0:0]
	keptInfo := old.Info[:0:0]
	deletedIdx := -1
	for i, rr := range old.RRs {
		if dns.IsDuplicate(rr, rdata) && deleted == nil {
			deleted = rr
			deletedIdx = i
			continue
		}
		kept = append(kept, rr)
		if i < len(old.Info) {
			keptInfo = append(keptInfo, old.Info[i])
		}
	}
	if deleted == nil {
		return nil, nil
	}
	if deletedIdx >= 0 && deletedIdx < len(old.Info) {
		info = old.Info[deletedIdx]
	}
	if len(kept) == 0 {
		s.data.Remove(rrtype)
	} else {
		old.RRs = kept
		old.Info = keptInfo
		s.data.Set(rrtype, old)
	}
	return deleted, info
}

func (s *ConcurrentRRTypeStore) Count() int { return s.data.Count() }

func (s *ConcurrentRRTypeStore) Keys() []uint16 { return s.data.Keys() }
