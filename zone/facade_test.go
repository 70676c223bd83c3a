/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package zone

import (
	"testing"

	"github.com/miekg/dns"
)

func TestNewZoneHasSOAAndNS(t *testing.T) {
	z := newTestZone(t)
	soa, ok := z.soa()
	if !ok {
		t.Fatalf("expected a SOA at a freshly constructed zone")
	}
	if soa.Serial != 1 {
		t.Errorf("expected initial serial 1, got %d", soa.Serial)
	}
	if _, ok := z.apex().RRtypes.Get(dns.TypeNS); !ok {
		t.Errorf("expected NS records at the apex")
	}
}

func TestSetRecordsRejectsInternalType(t *testing.T) {
	z := newTestZone(t)
	rr := mustRR(t, "www.example.com. 300 IN NSEC www2.example.com. A")
	err := z.SetRecords("www.example.com.", dns.TypeNSEC, []dns.RR{rr}, nil)
	if err == nil {
		t.Errorf("expected SetRecords of an internal type to fail")
	}
}

func TestSetRecordsRejectsApexCNAME(t *testing.T) {
	z := newTestZone(t)
	rr := mustRR(t, "example.com. 300 IN CNAME other.example.com.")
	err := z.SetRecords("example.com.", dns.TypeCNAME, []dns.RR{rr}, nil)
	if err == nil {
		t.Errorf("expected apex CNAME to be rejected")
	}
}

func TestAddRecordBumpsSerial(t *testing.T) {
	z := newTestZone(t)
	before, _ := z.soa()
	rr := mustRR(t, "www.example.com. 300 IN A 192.0.2.1")
	if err := z.AddRecord(rr, nil); err != nil {
		t.Fatalf("AddRecord: %v", err)
	}
	after, _ := z.soa()
	if after.Serial != before.Serial+1 {
		t.Errorf("expected serial to increment by 1, went from %d to %d", before.Serial, after.Serial)
	}
	rrset, ok := z.GetOwner("www.example.com.").RRtypes.Get(dns.TypeA)
	if !ok || len(rrset.RRs) != 1 {
		t.Fatalf("expected the new A record to be stored")
	}
}

func TestAddRecordDuplicateDoesNotBumpSerial(t *testing.T) {
	z := newTestZone(t)
	rr := mustRR(t, "www.example.com. 300 IN A 192.0.2.1")
	if err := z.AddRecord(rr, nil); err != nil {
		t.Fatalf("AddRecord: %v", err)
	}
	before, _ := z.soa()

	dup := mustRR(t, "www.example.com. 300 IN A 192.0.2.1")
	if err := z.AddRecord(dup, nil); err != nil {
		t.Fatalf("AddRecord dup: %v", err)
	}
	after, _ := z.soa()
	if after.Serial != before.Serial {
		t.Errorf("expected a duplicate add to be a no-op, serial moved from %d to %d", before.Serial, after.Serial)
	}
}

func TestDeleteRecordsOfSOAIsRejected(t *testing.T) {
	z := newTestZone(t)
	if err := z.DeleteRecords("example.com.", dns.TypeSOA); err == nil {
		t.Errorf("expected deleting the SOA RRset to be rejected")
	}
}

func TestUpdateRecordRequiresSameType(t *testing.T) {
	z := newTestZone(t)
	oldRR := mustRR(t, "www.example.com. 300 IN A 192.0.2.1")
	newRR := mustRR(t, "www.example.com. 300 IN AAAA 2001:db8::1")
	if err := z.UpdateRecord(oldRR, newRR, nil); err == nil {
		t.Errorf("expected UpdateRecord to reject a type change")
	}
}

func TestUpdateRecordReplacesRdata(t *testing.T) {
	z := newTestZone(t)
	oldRR := mustRR(t, "www.example.com. 300 IN A 192.0.2.1")
	if err := z.AddRecord(oldRR, nil); err != nil {
		t.Fatalf("AddRecord: %v", err)
	}
	newRR := mustRR(t, "www.example.com. 300 IN A 192.0.2.9")
	if err := z.UpdateRecord(oldRR, newRR, nil); err != nil {
		t.Fatalf("UpdateRecord: %v", err)
	}
	rrset := z.GetOwner("www.example.com.").RRtypes.GetOnlyRRset(dns.TypeA)
	if len(rrset.RRs) != 1 || !dns.IsDuplicate(rrset.RRs[0], newRR) {
		t.Errorf("expected only the new record to remain, got %+v", rrset.RRs)
	}
}

func TestSetSOARejectsBadTimers(t *testing.T) {
	z := newTestZone(t)
	bad := mustRR(t, "example.com. 300 IN SOA ns1.example.com. hostmaster.example.com. 2 7200 86400 3600000 300").(*dns.SOA)
	if err := z.setSOA([]dns.RR{bad}); err == nil {
		t.Errorf("expected RETRY > REFRESH to be rejected")
	}
}

func TestSetSOARejectsTTLAboveExpire(t *testing.T) {
	z := newTestZone(t)
	bad := mustRR(t, "example.com. 4000000 IN SOA ns1.example.com. hostmaster.example.com. 2 86400 7200 3600000 300").(*dns.SOA)
	if err := z.setSOA([]dns.RR{bad}); err == nil {
		t.Errorf("expected TTL exceeding EXPIRE to be rejected")
	}
}

func TestAddRecordPopulatesAndJournalsNSGlue(t *testing.T) {
	z := newTestZone(t)
	glue := mustRR(t, "ns1.child.example.com. 300 IN A 192.0.2.53")
	if err := z.AddRecord(glue, nil); err != nil {
		t.Fatalf("AddRecord glue: %v", err)
	}

	ns := mustRR(t, "child.example.com. 300 IN NS ns1.child.example.com.")
	if err := z.AddRecord(ns, nil); err != nil {
		t.Fatalf("AddRecord ns: %v", err)
	}

	rrset := z.GetOwner("child.example.com.").RRtypes.GetOnlyRRset(dns.TypeNS)
	if len(rrset.Info) != 1 || rrset.Info[0] == nil || len(rrset.Info[0].Glue) != 1 {
		t.Fatalf("expected the NS record's info block to carry its glue, got %+v", rrset.Info)
	}
	if !dns.IsDuplicate(rrset.Info[0].Glue[0], glue) {
		t.Errorf("expected cross-linked glue to match the A record, got %v", rrset.Info[0].Glue[0])
	}

	last := z.Journal.commits[len(z.Journal.commits)-1]
	found := false
	for _, rr := range last.diff.AddedRecords {
		if dns.IsDuplicate(rr, glue) {
			found = true
		}
	}
	if !found {
		t.Errorf("expected the NS commit to journal its glue among added records, got %v", last.diff.AddedRecords)
	}
}

func TestDeleteNSRecordJournalsGlue(t *testing.T) {
	z := newTestZone(t)
	glue := mustRR(t, "ns1.child.example.com. 300 IN A 192.0.2.53")
	ns := mustRR(t, "child.example.com. 300 IN NS ns1.child.example.com.")
	if err := z.AddRecord(glue, nil); err != nil {
		t.Fatalf("AddRecord glue: %v", err)
	}
	if err := z.AddRecord(ns, nil); err != nil {
		t.Fatalf("AddRecord ns: %v", err)
	}

	if err := z.DeleteRecord(ns); err != nil {
		t.Fatalf("DeleteRecord: %v", err)
	}

	last := z.Journal.commits[len(z.Journal.commits)-1]
	found := false
	for _, rr := range last.diff.DeletedRecords {
		if dns.IsDuplicate(rr, glue) {
			found = true
		}
	}
	if !found {
		t.Errorf("expected the NS deletion to journal its glue among deleted records, got %v", last.diff.DeletedRecords)
	}
}

func TestDisabledRecordRejectedOnceSigned(t *testing.T) {
	z := newTestZone(t)
	z.Status = SignedWithNSEC
	rr := mustRR(t, "www.example.com. 300 IN A 192.0.2.1")
	err := z.SetRecords("www.example.com.", dns.TypeA, []dns.RR{rr}, []*RRInfo{{Disabled: true}})
	if err == nil {
		t.Errorf("expected a disabled record to be rejected in a signed zone")
	}
}
