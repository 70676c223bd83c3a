/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package zone

import (
	"strings"
	"time"

	"github.com/miekg/dns"
)

const parentDSQueryTimeout = 10 * time.Second

// probeParentDS looks up the apex DS at the parent, flushing any cached
// entry first so the probe cannot observe stale cache state, and reports
// whether a DS matching key's (key-tag, algorithm, digest) is published.
// A lookup failure is logged and treated as "not yet visible" rather than
// a hard error, so the next maintenance tick simply tries again.
func (z *Zone) probeParentDS(key *DnssecKey) bool {
	if z.DirectQuer == nil {
		return false
	}
	z.DirectQuer.FlushCache(z.Name, dns.TypeDS)
	msg, err := z.DirectQuer.Query(z.Name, dns.TypeDS, parentDSQueryTimeout)
	if err != nil {
		z.logf("maintenance: parent DS probe for %s failed: %v", z.Name, err)
		return false
	}
	want := key.DNSKEY
	for _, rr := range msg.Answer {
		ds, ok := rr.(*dns.DS)
		if !ok || ds.KeyTag != key.KeyTag || ds.Algorithm != key.Algorithm {
			continue
		}
		expected := want.ToDS(ds.DigestType)
		if expected != nil && strings.EqualFold(expected.Digest, ds.Digest) {
			return true
		}
	}
	return false
}

// RetireKey moves key to Retired on an operator's direct request. Retire
// safety applies, but the manual path relaxes the algorithm match: an
// alternate-algorithm pair of a Ready/Active KSK and an Active ZSK also
// counts as coverage, since the operator is presumably retiring an algorithm on
// purpose rather than losing signing capability by accident.
func (z *Zone) RetireKey(key *DnssecKey) error {
	z.keyStoreMutex.Lock()
	defer z.keyStoreMutex.Unlock()

	if !z.hasSuccessorCoverageLocked(key, true) {
		return newError(NoSuccessorKey, z.Name, "retiring key %d would leave no functional %s", key.KeyTag, key.Type)
	}
	return z.transitionLocked(key, Retired)
}

// retireRolloverKey moves key to Retired as the tail end of RolloverKey's
// own successor, once maintenanceTick has confirmed the successor reached
// Ready (KSK) or Active (ZSK). The strict same-algorithm coverage rule
// applies here: a rollover never changes algorithm, so relaxing it would
// mask a bug in the rollover bookkeeping rather than reflect operator intent.
func (z *Zone) retireRolloverKey(key *DnssecKey) error {
	z.keyStoreMutex.Lock()
	defer z.keyStoreMutex.Unlock()

	if !z.hasSuccessorCoverageLocked(key, false) {
		return newError(NoSuccessorKey, z.Name, "retiring key %d would leave no functional %s", key.KeyTag, key.Type)
	}
	return z.transitionLocked(key, Retired)
}

// hasSuccessorCoverageLocked reports whether retiring key would still leave
// the zone able to sign with a key of compatible purpose. manual selects
// the relaxed rule SPEC_FULL allows for operator-initiated retire: an
// alternate-algorithm pair of a Ready/Active KSK and an Active ZSK counts
// as coverage even though neither matches key's own algorithm.
func (z *Zone) hasSuccessorCoverageLocked(key *DnssecKey, manual bool) bool {
	for _, k := range z.keys {
		if k.KeyTag == key.KeyTag || k.Type != key.Type || k.Algorithm != key.Algorithm {
			continue
		}
		if key.Type == KSK && (k.State == Ready || k.State == Active) {
			return true
		}
		if key.Type == ZSK && k.State == Active {
			return true
		}
	}
	if !manual {
		return false
	}
	return z.hasActiveAlternateAlgorithmPairLocked(key)
}

// hasActiveAlternateAlgorithmPairLocked reports whether some algorithm
// other than key's own has both a Ready/Active KSK and an Active ZSK,
// i.e. the zone could keep signing under that algorithm alone.
func (z *Zone) hasActiveAlternateAlgorithmPairLocked(key *DnssecKey) bool {
	for _, ksk := range z.keys {
		if ksk.Type != KSK || ksk.Algorithm == key.Algorithm {
			continue
		}
		if ksk.State != Ready && ksk.State != Active {
			continue
		}
		for _, zsk := range z.keys {
			if zsk.Type == ZSK && zsk.Algorithm == ksk.Algorithm && zsk.State == Active {
				return true
			}
		}
	}
	return false
}

// RolloverKey generates a successor of the same kind+algorithm+size,
// publishes it, links it to predecessor and marks predecessor as retiring.
// Subsequent maintenance ticks carry both keys through their normal
// transitions; predecessor reaches Retired once the successor itself
// reaches Ready (KSK) or Active (ZSK).
func (z *Zone) RolloverKey(predecessor *DnssecKey) (*DnssecKey, error) {
	successor, err := z.GenerateKey(predecessor.Type, predecessor.Algorithm, "rollover", predecessor.RolloverDays)
	if err != nil {
		return nil, err
	}
	if err := z.Transition(successor, Published); err != nil {
		return nil, err
	}

	z.keyStoreMutex.Lock()
	defer z.keyStoreMutex.Unlock()
	if err := z.setSuccessorLocked(predecessor, successor.KeyTag); err != nil {
		return nil, err
	}
	if err := z.setRetiringLocked(predecessor, true); err != nil {
		return nil, err
	}
	return successor, nil
}

// killKey carries a Dead-state key to removal: purges every RRSIG it
// produced from the record store, then deletes it from the key store and
// cache (the Dead -> removed transition).
func (z *Zone) killKey(key *DnssecKey) error {
	if err := z.Transition(key, Dead); err != nil {
		return err
	}
	z.purgeRRSIGsByKeyTag(key.KeyTag)
	return z.PurgeKey(key)
}

func (z *Zone) purgeRRSIGsByKeyTag(keytag uint16) {
	for _, name := range z.OwnerNames() {
		owner := z.GetOwner(name)
		for _, rrt := range owner.RRtypes.Keys() {
			rrset := owner.RRtypes.GetOnlyRRset(rrt)
			if len(rrset.RRSIGs) == 0 {
				continue
			}
			kept := rrset.RRSIGs[:0:0]
			changed := false
			for _, rr := range rrset.RRSIGs {
				if sig, ok := rr.(*dns.RRSIG); ok && sig.KeyTag == keytag {
					changed = true
					continue
				}
				kept = append(kept, rr)
			}
			if changed {
				rrset.RRSIGs = kept
				owner.RRtypes.Set(rrt, rrset)
			}
		}
	}
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

// transitionWork partitions the keys due for action on one maintenance
// tick, grouped in the order the driver applies them.
type transitionWork struct {
	toReady       []*DnssecKey
	toActivateZSK []*DnssecKey
	toActivateKSK []*DnssecKey
	toRetire      []*DnssecKey
	toRevoke      []*DnssecKey
	toDead        []*DnssecKey
	toRollover    []*DnssecKey
}

// planTransitions inspects every key under the key-store lock and returns
// the work due at now, without applying any of it.
func (z *Zone) planTransitions(now time.Time) transitionWork {
	z.keyStoreMutex.Lock()
	defer z.keyStoreMutex.Unlock()

	var w transitionWork

	propDelay := z.propagationDelay()
	dnskeyTTL := time.Duration(z.Policy.DnskeyTTL) * time.Second
	maxRecordTTL := time.Duration(z.Policy.MaxRecordTTL) * time.Second
	maxRRSIGTTL := time.Duration(z.Policy.MaxRRSIGTTL) * time.Second

	hasReadyOrActiveKSK := false
	for _, k := range z.keys {
		if k.Type == KSK && (k.State == Ready || k.State == Active) {
			hasReadyOrActiveKSK = true
			break
		}
	}

	for _, k := range z.keys {
		switch k.State {
		case Published:
			threshold := dnskeyTTL + propDelay
			if k.Type == KSK && !hasReadyOrActiveKSK {
				threshold = maxRecordTTL + propDelay
			}
			if now.After(k.StateChangeOn.Add(threshold)) {
				w.toReady = append(w.toReady, k)
			}

		case Ready:
			if k.Type == ZSK {
				w.toActivateZSK = append(w.toActivateZSK, k)
			} else {
				w.toActivateKSK = append(w.toActivateKSK, k)
			}

		case Active:
			if k.IsRetiring && k.SuccessorTag != 0 {
				if succ := z.findKeyLocked(k.SuccessorTag); succ != nil {
					if (k.Type == KSK && succ.State == Ready) || (k.Type == ZSK && succ.State == Active) {
						w.toRetire = append(w.toRetire, k)
						continue
					}
				}
			}
			if k.Type == ZSK && k.RolloverDays > 0 && !k.IsRetiring {
				if now.After(k.StateChangeOn.Add(time.Duration(k.RolloverDays) * 24 * time.Hour)) {
					w.toRollover = append(w.toRollover, k)
				}
			}

		case Retired:
			if k.Type == KSK {
				w.toRevoke = append(w.toRevoke, k)
			} else if now.After(k.StateChangeOn.Add(maxRRSIGTTL + propDelay)) {
				w.toDead = append(w.toDead, k)
			}

		case Revoked:
			// Hold-down of max(1h, min(15d, DNSKEY TTL/2)); this differs from
			// the revoke timing RFC 7583 recommends.
			threshold :=maxDuration(time.Hour, minDuration(15*24*time.Hour, dnskeyTTL/2))
			if now.After(k.StateChangeOn.Add(threshold)) {
				w.toDead = append(w.toDead, k)
			}
		}
	}

	return w
}
