/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package zone

import (
	"strings"
	"time"

	"github.com/miekg/dns"
)

// signingKeysFor picks the eligible key set for rrtype:
// DNSKEY RRsets are signed by every KSK in {Published, Ready, Active,
// Revoked}; everything else by every ZSK in {Ready, Active}.
func (z *Zone) signingKeysFor(rrtype uint16) []*DnssecKey {
	z.keyStoreMutex.Lock()
	defer z.keyStoreMutex.Unlock()
	if rrtype == dns.TypeDNSKEY {
		return z.keysByStateLocked(KSK, Published, Ready, Active, Revoked)
	}
	return z.keysByStateLocked(ZSK, Ready, Active)
}

// sigLifetime computes inception/expiration for a new RRSIG: inception is
// now-1h, expiration is inception+validity-period where validity-period =
// SOA.EXPIRE+3 days.
func (z *Zone) sigLifetime(now time.Time) (inception, expiration uint32) {
	incep := now.Add(-1 * time.Hour)
	return uint32(incep.Unix()), uint32(incep.Unix()) + z.validityPeriod()
}

// unsignableInSignedZone rejects record types that cannot exist in a signed
// zone: ANAME and the application-specific APP extension.
func unsignableInSignedZone(rrtype uint16) bool {
	return rrtype == typeANAME || rrtype == typeAPP
}

// SignRRset produces RRSIG(s) for rrset using the key set eligible for its
// type, replacing any stale RRSIG by the same keytag. It returns whether
// anything was (re-)signed. force re-signs even when NeedsResigning would
// say no.
func (z *Zone) SignRRset(rrset *RRset, force bool) (bool, error) {
	if unsignableInSignedZone(rrset.RRtype) {
		return false, newError(UnsupportedInSignedZone, z.Name, "type %s cannot exist in a signed zone", dns.TypeToString[rrset.RRtype])
	}
	if len(rrset.RRs) == 0 {
		return false, nil
	}

	keys := z.signingKeysFor(rrset.RRtype)
	if len(keys) == 0 {
		return false, newError(NoSigningKey, z.Name, "no eligible key to sign %s %s", rrset.Name, dns.TypeToString[rrset.RRtype])
	}

	resigned := false
	now := time.Now().UTC()

	for _, key := range keys {
		var kept []dns.RR
		shouldSign := true
		for _, old := range rrset.RRSIGs {
			oldsig, ok := old.(*dns.RRSIG)
			if !ok {
				kept = append(kept, old)
				continue
			}
			if oldsig.KeyTag != key.DNSKEY.KeyTag() {
				kept = append(kept, old)
				continue
			}
			if !force && !NeedsResigning(oldsig, z.validityPeriod(), z.Policy.ReSignFraction) {
				shouldSign = false
				kept = append(kept, old)
			}
			// else: stale (or forced) signature by this key is dropped, replaced below.
		}
		rrset.RRSIGs = kept

		if !shouldSign {
			continue
		}

		rrsig := &dns.RRSIG{
			Hdr: dns.RR_Header{
				Name:   rrset.Name,
				Rrtype: dns.TypeRRSIG,
				Class:  dns.ClassINET,
				Ttl:    rrset.TTL,
			},
			KeyTag:     key.DNSKEY.KeyTag(),
			Algorithm:  key.DNSKEY.Algorithm,
			SignerName: dns.Fqdn(z.Name),
		}
		rrsig.Inception, rrsig.Expiration = z.sigLifetime(now)

		if err := rrsig.Sign(key.Signer(), rrset.RRs); err != nil {
			return false, wrapError(IOFailure, z.Name, err, "sign %s %s with keytag %d", rrset.Name, dns.TypeToString[rrset.RRtype], key.KeyTag)
		}
		rrset.RRSIGs = append(rrset.RRSIGs, rrsig)
		resigned = true
	}

	return resigned, nil
}

// NeedsResigning reports whether an RRSIG's remaining life has fallen below
// validity-period/reSignFraction, the threshold the Maintenance Driver uses
// to decide re-signing is due.
func NeedsResigning(rrsig *dns.RRSIG, validityPeriod uint32, reSignFraction int) bool {
	if reSignFraction <= 0 {
		reSignFraction = 10
	}
	expiration := time.Unix(int64(rrsig.Expiration), 0)
	threshold := time.Duration(validityPeriod/uint32(reSignFraction)) * time.Second
	return time.Until(expiration) < threshold
}

// isDelegationNS reports whether owner holds an NS RRset that is a referral
// (owner != apex), which the signer must skip.
func (z *Zone) isDelegationNS(owner string, rrtype uint16) bool {
	if rrtype != dns.TypeNS {
		return false
	}
	return !strings.EqualFold(dns.Fqdn(owner), dns.Fqdn(z.Name))
}

// isGlueUnderDelegation reports whether an A/AAAA RRset at owner sits strictly
// below one of the zone's delegation points, and so must not be signed.
func (z *Zone) isGlueUnderDelegation(owner string, rrtype uint16, delegations []string) bool {
	if rrtype != dns.TypeA && rrtype != dns.TypeAAAA {
		return false
	}
	fq := dns.Fqdn(owner)
	for _, del := range delegations {
		if fq != del && strings.HasSuffix(fq, del) {
			return true
		}
	}
	return false
}

// SignZone (re-)signs every signable RRset in the zone: the DNSKEY RRset by
// KSKs, every other RRset (except referral NS and delegation glue) by ZSKs,
// bumping the SOA serial if anything actually changed.
func (z *Zone) SignZone(force bool) (int, error) {
	if z.Status == Unsigned {
		return 0, newError(NotSigned, z.Name, "zone is not signed")
	}

	if err := z.publishDNSKEYRRset(); err != nil {
		return 0, err
	}

	if z.Status == SignedWithNSEC {
		if err := z.rebuildNsecChain(); err != nil {
			return 0, err
		}
	} else {
		if err := z.rebuildNsec3Chain(); err != nil {
			return 0, err
		}
	}

	names := z.OwnerNames()

	var delegations []string
	for _, name := range names {
		if strings.EqualFold(dns.Fqdn(name), dns.Fqdn(z.Name)) {
			continue
		}
		owner := z.GetOwner(name)
		if _, exists := owner.RRtypes.Get(dns.TypeNS); exists {
			delegations = append(delegations, dns.Fqdn(name))
		}
	}

	newrrsigs := 0
	anyResigned := false

	for _, name := range names {
		owner := z.GetOwner(name)
		for _, rrt := range owner.RRtypes.Keys() {
			if rrt == dns.TypeRRSIG {
				continue
			}
			if z.isDelegationNS(name, rrt) {
				continue
			}
			if z.isGlueUnderDelegation(name, rrt, delegations) {
				continue
			}

			rrset := owner.RRtypes.GetOnlyRRset(rrt)
			resigned, err := z.SignRRset(&rrset, force)
			if err != nil {
				return newrrsigs, err
			}
			if resigned {
				owner.RRtypes.Set(rrt, rrset)
				newrrsigs++
				anyResigned = true
			}
		}
	}

	if anyResigned {
		if _, err := z.commitAndIncrementSerial(nil, nil); err != nil {
			return newrrsigs, err
		}
	}

	return newrrsigs, nil
}

func (z *Zone) publishDNSKEYRRset() error {
	apex := z.apex()
	z.keyStoreMutex.Lock()
	var rrs []dns.RR
	for _, k := range z.keys {
		dnskey := k.DNSKEY
		rrs = append(rrs, &dnskey)
	}
	z.keyStoreMutex.Unlock()

	if len(rrs) == 0 {
		return newError(NoSigningKey, z.Name, "no DNSSEC keys available to publish")
	}
	apex.RRtypes.Set(dns.TypeDNSKEY, RRset{
		Name:   dns.Fqdn(z.Name),
		RRtype: dns.TypeDNSKEY,
		TTL:    z.Policy.DnskeyTTL,
		RRs:    rrs,
	})
	return nil
}

// typeANAME and typeAPP are private-range type codes (RFC 6895 S3.1) for
// the application-defined ANAME/APP extensions that cannot coexist with
// DNSSEC. They are not part of the standard IANA registry exposed by
// miekg/dns, so they are declared here directly.
const (
	typeANAME uint16 = 65280
	typeAPP   uint16 = 65281
)
