/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package zone

import (
	"testing"
	"time"

	"github.com/miekg/dns"
)

type fakeDirectQuery struct {
	msg *dns.Msg
	err error
}

func (f *fakeDirectQuery) Query(question string, qtype uint16, timeout time.Duration) (*dns.Msg, error) {
	return f.msg, f.err
}
func (f *fakeDirectQuery) FlushCache(question string, qtype uint16) {}

func TestRetireKeyRefusesWithoutSuccessorCoverage(t *testing.T) {
	z := newTestZone(t)
	z.Keys = newTestKeyStore(t)
	key, err := z.GenerateKey(ZSK, dns.ECDSAP256SHA256, "test", 0)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	if err := z.Transition(key, Active); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if err := z.RetireKey(key); err == nil {
		t.Errorf("expected retiring the only active ZSK to fail")
	}
}

func TestRetireKeySucceedsWithSuccessor(t *testing.T) {
	z := newTestZone(t)
	z.Keys = newTestKeyStore(t)
	key, err := z.GenerateKey(ZSK, dns.ECDSAP256SHA256, "test", 0)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	if err := z.Transition(key, Active); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	successor, err := z.GenerateKey(ZSK, dns.ECDSAP256SHA256, "test", 0)
	if err != nil {
		t.Fatalf("GenerateKey successor: %v", err)
	}
	if err := z.Transition(successor, Active); err != nil {
		t.Fatalf("Transition successor: %v", err)
	}
	if err := z.RetireKey(key); err != nil {
		t.Errorf("expected retire to succeed once a second active ZSK exists: %v", err)
	}
}

func TestRetireKeyManualAllowsAlternateAlgorithmPair(t *testing.T) {
	z := newTestZone(t)
	z.Keys = newTestKeyStore(t)
	zsk, err := z.GenerateKey(ZSK, dns.ECDSAP256SHA256, "test", 0)
	if err != nil {
		t.Fatalf("GenerateKey zsk: %v", err)
	}
	if err := z.Transition(zsk, Active); err != nil {
		t.Fatalf("Transition zsk: %v", err)
	}

	altKSK, err := z.GenerateKey(KSK, dns.RSASHA256, "test", 0)
	if err != nil {
		t.Fatalf("GenerateKey altKSK: %v", err)
	}
	if err := z.Transition(altKSK, Active); err != nil {
		t.Fatalf("Transition altKSK: %v", err)
	}
	altZSK, err := z.GenerateKey(ZSK, dns.RSASHA256, "test", 0)
	if err != nil {
		t.Fatalf("GenerateKey altZSK: %v", err)
	}
	if err := z.Transition(altZSK, Active); err != nil {
		t.Fatalf("Transition altZSK: %v", err)
	}

	if err := z.RetireKey(zsk); err != nil {
		t.Errorf("expected manual retire to accept a complete alternate-algorithm pair as coverage: %v", err)
	}
}

func TestRetireRolloverKeyRejectsAlternateAlgorithmPair(t *testing.T) {
	z := newTestZone(t)
	z.Keys = newTestKeyStore(t)
	zsk, err := z.GenerateKey(ZSK, dns.ECDSAP256SHA256, "test", 0)
	if err != nil {
		t.Fatalf("GenerateKey zsk: %v", err)
	}
	if err := z.Transition(zsk, Active); err != nil {
		t.Fatalf("Transition zsk: %v", err)
	}

	altKSK, err := z.GenerateKey(KSK, dns.RSASHA256, "test", 0)
	if err != nil {
		t.Fatalf("GenerateKey altKSK: %v", err)
	}
	if err := z.Transition(altKSK, Active); err != nil {
		t.Fatalf("Transition altKSK: %v", err)
	}
	altZSK, err := z.GenerateKey(ZSK, dns.RSASHA256, "test", 0)
	if err != nil {
		t.Fatalf("GenerateKey altZSK: %v", err)
	}
	if err := z.Transition(altZSK, Active); err != nil {
		t.Fatalf("Transition altZSK: %v", err)
	}

	if err := z.retireRolloverKey(zsk); err == nil {
		t.Errorf("expected rollover-driven retire to require same-algorithm coverage even with an alternate pair active")
	}
}

func TestRetireKeyManualAllowsRelaxedKSKMatch(t *testing.T) {
	z := newTestZone(t)
	z.Keys = newTestKeyStore(t)
	ksk, err := z.GenerateKey(KSK, dns.ECDSAP256SHA256, "test", 0)
	if err != nil {
		t.Fatalf("GenerateKey ksk: %v", err)
	}
	if err := z.Transition(ksk, Active); err != nil {
		t.Fatalf("Transition ksk: %v", err)
	}

	altKSK, err := z.GenerateKey(KSK, dns.RSASHA256, "test", 0)
	if err != nil {
		t.Fatalf("GenerateKey altKSK: %v", err)
	}
	if err := z.Transition(altKSK, Ready); err != nil {
		t.Fatalf("Transition altKSK: %v", err)
	}
	altZSK, err := z.GenerateKey(ZSK, dns.RSASHA256, "test", 0)
	if err != nil {
		t.Fatalf("GenerateKey altZSK: %v", err)
	}
	if err := z.Transition(altZSK, Active); err != nil {
		t.Fatalf("Transition altZSK: %v", err)
	}

	if err := z.RetireKey(ksk); err != nil {
		t.Errorf("expected manual retire of a KSK to accept a different-algorithm KSK+ZSK pair: %v", err)
	}
}

func TestRolloverKeyLinksPredecessorAndSuccessor(t *testing.T) {
	z := newTestZone(t)
	z.Keys = newTestKeyStore(t)
	predecessor, err := z.GenerateKey(ZSK, dns.ECDSAP256SHA256, "test", 30)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	if err := z.Transition(predecessor, Active); err != nil {
		t.Fatalf("Transition: %v", err)
	}

	successor, err := z.RolloverKey(predecessor)
	if err != nil {
		t.Fatalf("RolloverKey: %v", err)
	}
	if successor.State != Published {
		t.Errorf("expected successor to start Published, got %s", successor.State)
	}
	if predecessor.SuccessorTag != successor.KeyTag {
		t.Errorf("expected predecessor.SuccessorTag = %d, got %d", successor.KeyTag, predecessor.SuccessorTag)
	}
	if !predecessor.IsRetiring {
		t.Errorf("expected predecessor to be marked retiring")
	}
}

func TestPlanTransitionsPublishedToReadyAfterThreshold(t *testing.T) {
	z := newTestZone(t)
	z.Keys = newTestKeyStore(t)
	key, err := z.GenerateKey(ZSK, dns.ECDSAP256SHA256, "test", 0)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	if err := z.Transition(key, Published); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	// threshold = DnskeyTTL (1h) + SOA refresh+retry (24h+2h) = 27h.
	key.StateChangeOn = time.Now().UTC().Add(-48 * time.Hour)

	work := z.planTransitions(time.Now().UTC())
	found := false
	for _, k := range work.toReady {
		if k.KeyTag == key.KeyTag {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a ZSK published long enough ago to be due for Ready")
	}
}

func TestPlanTransitionsActiveRetiringWaitsForSuccessor(t *testing.T) {
	z := newTestZone(t)
	z.Keys = newTestKeyStore(t)
	predecessor, err := z.GenerateKey(ZSK, dns.ECDSAP256SHA256, "test", 0)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	if err := z.Transition(predecessor, Active); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	successor, err := z.RolloverKey(predecessor)
	if err != nil {
		t.Fatalf("RolloverKey: %v", err)
	}

	work := z.planTransitions(time.Now().UTC())
	for _, k := range work.toRetire {
		if k.KeyTag == predecessor.KeyTag {
			t.Fatalf("predecessor should not retire while successor %d is still Published", successor.KeyTag)
		}
	}

	if err := z.Transition(successor, Active); err != nil {
		t.Fatalf("Transition successor to Active: %v", err)
	}
	work = z.planTransitions(time.Now().UTC())
	found := false
	for _, k := range work.toRetire {
		if k.KeyTag == predecessor.KeyTag {
			found = true
		}
	}
	if !found {
		t.Errorf("expected predecessor to be due for retirement once successor is Active")
	}
}

func TestPlanTransitionsRevokedToDeadThreshold(t *testing.T) {
	z := newTestZone(t)
	z.Keys = newTestKeyStore(t)
	z.Policy.DnskeyTTL = 3600
	key, err := z.GenerateKey(KSK, dns.ECDSAP256SHA256, "test", 0)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	if err := z.Transition(key, Revoked); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	// threshold = max(1h, min(15d, dnskeyTTL/2)) = 1h since dnskeyTTL/2 is tiny.
	key.StateChangeOn = time.Now().UTC().Add(-2 * time.Hour)

	work := z.planTransitions(time.Now().UTC())
	found := false
	for _, k := range work.toDead {
		if k.KeyTag == key.KeyTag {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a revoked key past the hold-down threshold to be due for Dead")
	}
}

func TestProbeParentDSNilQuerierReturnsFalse(t *testing.T) {
	z := newTestZone(t)
	z.Keys = newTestKeyStore(t)
	key, err := z.GenerateKey(KSK, dns.ECDSAP256SHA256, "test", 0)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	if z.probeParentDS(key) {
		t.Errorf("expected probeParentDS with no DirectQuery collaborator to report false")
	}
}

func TestProbeParentDSMatchFound(t *testing.T) {
	z := newTestZone(t)
	z.Keys = newTestKeyStore(t)
	key, err := z.GenerateKey(KSK, dns.ECDSAP256SHA256, "test", 0)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	ds := key.DNSKEY.ToDS(dns.SHA256)
	z.DirectQuer = &fakeDirectQuery{msg: &dns.Msg{Answer: []dns.RR{ds}}}

	if !z.probeParentDS(key) {
		t.Errorf("expected probeParentDS to find a matching DS record")
	}
}

func TestKillKeyPurgesRRSIGs(t *testing.T) {
	z, zsk := newSignedTestZone(t)
	rr := mustRR(t, "www.example.com. 300 IN A 192.0.2.1")
	rrset := RRset{Name: "www.example.com.", RRtype: dns.TypeA, TTL: 300, RRs: []dns.RR{rr}}
	if _, err := z.SignRRset(&rrset, false); err != nil {
		t.Fatalf("SignRRset: %v", err)
	}
	z.GetOwner("www.example.com.").RRtypes.Set(dns.TypeA, rrset)

	if err := z.Transition(zsk, Retired); err != nil {
		t.Fatalf("Transition to Retired: %v", err)
	}
	if err := z.killKey(zsk); err != nil {
		t.Fatalf("killKey: %v", err)
	}

	got := z.GetOwner("www.example.com.").RRtypes.GetOnlyRRset(dns.TypeA)
	for _, rr := range got.RRSIGs {
		if sig, ok := rr.(*dns.RRSIG); ok && sig.KeyTag == zsk.KeyTag {
			t.Errorf("expected RRSIGs by the killed key to be purged")
		}
	}
	if z.findKeyLocked(zsk.KeyTag) != nil {
		t.Errorf("expected the key to be gone from the cache after killKey")
	}
}
