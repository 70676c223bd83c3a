package ixfr

import (
	"fmt"

	"github.com/miekg/dns"
)

// DiffSequence is the set of records added and deleted between two SOA
// serials, the unit one journal commit carries.
type DiffSequence struct {
	StartSOASerial uint32
	EndSOASerial   uint32
	AddedRecords   []dns.RR
	DeletedRecords []dns.RR
}

func NewDiffSequence(soaStart, soaEnd uint32) DiffSequence {
	return DiffSequence{
		StartSOASerial: soaStart,
		EndSOASerial:   soaEnd,
		AddedRecords:   []dns.RR{},
		DeletedRecords: []dns.RR{},
	}
}

func (d *DiffSequence) Equals(other DiffSequence) bool {
	if d.StartSOASerial != other.StartSOASerial {
		return false
	}

	if d.EndSOASerial != other.EndSOASerial {
		return false
	}

	if !rrEquals(d.AddedRecords, other.AddedRecords) {
		return false
	}

	if !rrEquals(d.DeletedRecords, other.DeletedRecords) {
		return false
	}

	return true
}

func (d *DiffSequence) GetAdded() []dns.RR {
	return d.getDifference(true)
}

// MustAddAdded appends the zone-file-text RR to AddedRecords, panicking on
// a parse error; callers that can't guarantee well-formed input should
// parse with dns.NewRR themselves and append directly.
func (d *DiffSequence) MustAddAdded(rrStr string) {
	rr, err := dns.NewRR(rrStr)
	if err != nil {
		panic(fmt.Sprintf("ixfr: add to AddedRecords: %v", err))
	}

	d.AddedRecords = append(d.AddedRecords, rr)
}

func (d *DiffSequence) GetDeleted() []dns.RR {
	return d.getDifference(false)
}

// MustAddDeleted appends the zone-file-text RR to DeletedRecords, panicking
// on a parse error.
func (d *DiffSequence) MustAddDeleted(rrStr string) {
	rr, err := dns.NewRR(rrStr)
	if err != nil {
		panic(fmt.Sprintf("ixfr: add to DeletedRecords: %v", err))
	}

	d.DeletedRecords = append(d.DeletedRecords, rr)
}

// getDifference pairs records by owner and type only, not by RDATA: every
// record of the other side removes the earliest remaining record of this
// side under the same owner+rrtype key, and what is left is returned. With
// two NS records withdrawn and three added at one owner, one added record
// remains and no deleted one does.
func (d *DiffSequence) getDifference(getAdded bool) []dns.RR {
	// a minus b, counted per owner+rrtype key
	var a, b *[]dns.RR
	diff := make(map[string][]string, 0)

	if getAdded {
		a = &d.AddedRecords
		b = &d.DeletedRecords
	} else {
		a = &d.DeletedRecords
		b = &d.AddedRecords
	}

	// keys are "owner+rrtype", e.g. an A record at example.com keys as "example.com+1"
	for _, ra := range *a {
		key := fmt.Sprintf("%s+%d", ra.Header().Name, ra.Header().Rrtype)
		_, ok := diff[key]
		if !ok {
			diff[key] = make([]string, 1)
			diff[key][0] = ra.String()
		} else {
			diff[key] = append(diff[key], ra.String())
		}
	}

	for _, rb := range *b {
		key := fmt.Sprintf("%s+%d", rb.Header().Name, rb.Header().Rrtype)
		slice, ok := diff[key]
		if ok {
			diff[key] = slice[1:len(slice)]
		} else {
			continue
		}

		if len(diff[key]) == 0 {
			delete(diff, key)
		}
	}

	rrs := make([]dns.RR, 0)
	for _, v := range diff {
		for _, s := range v {
			rr, err := dns.NewRR(s)
			if err != nil {
				panic(fmt.Sprintf("ixfr: reparse %q while diffing RR slices: %v", s, err))
			}
			rrs = append(rrs, rr)
		}
	}

	return rrs
}
