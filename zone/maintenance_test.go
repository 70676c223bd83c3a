/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package zone

import (
	"context"
	"testing"
	"time"

	"github.com/miekg/dns"
)

func TestMaintenanceTickAdvancesPublishedKey(t *testing.T) {
	z := newTestZone(t)
	z.Keys = newTestKeyStore(t)
	key, err := z.GenerateKey(ZSK, dns.ECDSAP256SHA256, "test", 0)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	if err := z.Transition(key, Published); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	// Published -> Ready threshold is DnskeyTTL (1h) + SOA refresh+retry (26h).
	key.StateChangeOn = time.Now().UTC().Add(-48 * time.Hour)

	changed, err := z.maintenanceTick()
	if err != nil {
		t.Fatalf("maintenanceTick: %v", err)
	}
	if !changed {
		t.Errorf("expected maintenanceTick to report a change")
	}
	if key.State != Ready {
		t.Errorf("expected key to advance to Ready, got %s", key.State)
	}
}

func TestMaintenanceTickResignsDueSignatures(t *testing.T) {
	z, _ := newSignedTestZone(t)
	rr := mustRR(t, "www.example.com. 300 IN A 192.0.2.1")
	if err := z.AddRecord(rr, nil); err != nil {
		t.Fatalf("AddRecord: %v", err)
	}

	rrset := z.GetOwner("www.example.com.").RRtypes.GetOnlyRRset(dns.TypeA)
	if len(rrset.RRSIGs) != 1 {
		t.Fatalf("expected one RRSIG after AddRecord, got %d", len(rrset.RRSIGs))
	}
	sig := rrset.RRSIGs[0].(*dns.RRSIG)
	sig.Expiration = uint32(time.Now().Add(1 * time.Minute).Unix())
	z.GetOwner("www.example.com.").RRtypes.Set(dns.TypeA, rrset)

	changed, err := z.maintenanceTick()
	if err != nil {
		t.Fatalf("maintenanceTick: %v", err)
	}
	if !changed {
		t.Errorf("expected maintenanceTick to re-sign a soon-to-expire signature")
	}
}

func TestStartAndDisposeMaintenanceIsSafe(t *testing.T) {
	z := newTestZone(t)
	z.Keys = newTestKeyStore(t)
	z.Policy.MaintenanceInitial = time.Hour // never actually fires during the test

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	z.StartMaintenance(ctx)
	z.Dispose()
	z.Dispose() // disposing twice must not panic
}

func TestDisposeWithoutStartIsSafe(t *testing.T) {
	z := newTestZone(t)
	z.Dispose()
}
