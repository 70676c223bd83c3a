/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package zone

import (
	"testing"
	"time"

	"github.com/miekg/dns"
)

func newSignedTestZone(t *testing.T) (*Zone, *DnssecKey) {
	t.Helper()
	z := newTestZone(t)
	z.Keys = newTestKeyStore(t)

	zsk, err := z.GenerateKey(ZSK, dns.ECDSAP256SHA256, "test", 0)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	if err := z.Transition(zsk, Active); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	ksk, err := z.GenerateKey(KSK, dns.ECDSAP256SHA256, "test", 0)
	if err != nil {
		t.Fatalf("GenerateKey KSK: %v", err)
	}
	if err := z.Transition(ksk, Active); err != nil {
		t.Fatalf("Transition KSK: %v", err)
	}
	z.Status = SignedWithNSEC
	return z, zsk
}

func TestSignRRsetNoEligibleKey(t *testing.T) {
	z := newTestZone(t)
	z.Keys = newTestKeyStore(t)
	z.Status = SignedWithNSEC

	rrset := RRset{Name: "www.example.com.", RRtype: dns.TypeA, TTL: 300, RRs: []dns.RR{mustRR(t, "www.example.com. 300 IN A 192.0.2.1")}}
	if _, err := z.SignRRset(&rrset, false); err == nil {
		t.Errorf("expected signing with no eligible key to fail")
	}
}

func TestSignRRsetRejectsUnsignableType(t *testing.T) {
	z, _ := newSignedTestZone(t)
	rrset := RRset{Name: "app.example.com.", RRtype: typeANAME, TTL: 300}
	if _, err := z.SignRRset(&rrset, false); err == nil {
		t.Errorf("expected ANAME to be rejected by SignRRset")
	}
}

func TestSignRRsetProducesVerifiableSignature(t *testing.T) {
	z, zsk := newSignedTestZone(t)
	rr := mustRR(t, "www.example.com. 300 IN A 192.0.2.1")
	rrset := RRset{Name: "www.example.com.", RRtype: dns.TypeA, TTL: 300, RRs: []dns.RR{rr}}

	resigned, err := z.SignRRset(&rrset, false)
	if err != nil {
		t.Fatalf("SignRRset: %v", err)
	}
	if !resigned || len(rrset.RRSIGs) != 1 {
		t.Fatalf("expected exactly one RRSIG produced, got %d", len(rrset.RRSIGs))
	}

	sig := rrset.RRSIGs[0].(*dns.RRSIG)
	if sig.KeyTag != zsk.DNSKEY.KeyTag() {
		t.Errorf("RRSIG keytag = %d, want %d", sig.KeyTag, zsk.DNSKEY.KeyTag())
	}
	if err := sig.Verify(&zsk.DNSKEY, rrset.RRs); err != nil {
		t.Errorf("RRSIG failed to verify against its own ZSK: %v", err)
	}
}

func TestSignRRsetSkipsFreshSignatureUnlessForced(t *testing.T) {
	z, _ := newSignedTestZone(t)
	rr := mustRR(t, "www.example.com. 300 IN A 192.0.2.1")
	rrset := RRset{Name: "www.example.com.", RRtype: dns.TypeA, TTL: 300, RRs: []dns.RR{rr}}

	if _, err := z.SignRRset(&rrset, false); err != nil {
		t.Fatalf("first sign: %v", err)
	}
	firstSig := rrset.RRSIGs[0].(*dns.RRSIG)

	resigned, err := z.SignRRset(&rrset, false)
	if err != nil {
		t.Fatalf("second sign: %v", err)
	}
	if resigned {
		t.Errorf("expected a fresh signature not to be replaced without force")
	}
	if rrset.RRSIGs[0].(*dns.RRSIG).Inception != firstSig.Inception {
		t.Errorf("expected the signature to be left untouched")
	}

	resigned, err = z.SignRRset(&rrset, true)
	if err != nil {
		t.Fatalf("forced sign: %v", err)
	}
	if !resigned {
		t.Errorf("expected force=true to always re-sign")
	}
}

func TestNeedsResigningBelowThreshold(t *testing.T) {
	rrsig := &dns.RRSIG{Expiration: uint32(time.Now().Add(1 * time.Hour).Unix())}
	if !NeedsResigning(rrsig, 10*3600, 10) {
		t.Errorf("expected a signature expiring within the threshold to need resigning")
	}
}

func TestNeedsResigningAboveThreshold(t *testing.T) {
	rrsig := &dns.RRSIG{Expiration: uint32(time.Now().Add(1000 * time.Hour).Unix())}
	if NeedsResigning(rrsig, 10*3600, 10) {
		t.Errorf("expected a signature far from expiry not to need resigning")
	}
}

func TestSignZoneSkipsDelegationNSAndGlue(t *testing.T) {
	z, _ := newSignedTestZone(t)

	delegated := z.GetOwner("child.example.com.")
	delegated.RRtypes.Add(mustRR(t, "child.example.com. 300 IN NS ns1.child.example.com."), nil)
	glue := z.GetOwner("ns1.child.example.com.")
	glue.RRtypes.Add(mustRR(t, "ns1.child.example.com. 300 IN A 192.0.2.53"), nil)

	if _, err := z.SignZone(false); err != nil {
		t.Fatalf("SignZone: %v", err)
	}

	if rrset, ok := delegated.RRtypes.Get(dns.TypeNS); ok && len(rrset.RRSIGs) != 0 {
		t.Errorf("expected referral NS to remain unsigned, got %d RRSIGs", len(rrset.RRSIGs))
	}
	if rrset, ok := glue.RRtypes.Get(dns.TypeA); ok && len(rrset.RRSIGs) != 0 {
		t.Errorf("expected glue under a delegation to remain unsigned, got %d RRSIGs", len(rrset.RRSIGs))
	}
}

func TestSignZoneSignsApexDNSKEY(t *testing.T) {
	z, _ := newSignedTestZone(t)
	if _, err := z.SignZone(false); err != nil {
		t.Fatalf("SignZone: %v", err)
	}
	rrset, ok := z.apex().RRtypes.Get(dns.TypeDNSKEY)
	if !ok || len(rrset.RRSIGs) == 0 {
		t.Errorf("expected the DNSKEY RRset to be signed by a KSK")
	}
}
