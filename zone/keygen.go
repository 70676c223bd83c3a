/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package zone

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/miekg/dns"
)

// bitsForAlgorithm maps a signing algorithm to its generated key size.
func bitsForAlgorithm(alg uint8) (int, error) {
	switch alg {
	case dns.ECDSAP256SHA256, dns.ED25519:
		return 256, nil
	case dns.ECDSAP384SHA384:
		return 384, nil
	case dns.RSASHA256, dns.RSASHA512:
		return 2048, nil
	default:
		return 0, newError(UnsupportedAlgorithm, "", "unknown DNSKEY algorithm %d", alg)
	}
}

// generateDNSKEY creates one fresh key pair of the given kind+algorithm,
// returning the public DNSKEY RR, its BIND private-key text form and a
// ready-to-use crypto.Signer.
func generateDNSKEY(owner string, kind KeyType, alg uint8, ttl uint32) (*dns.DNSKEY, string, crypto.Signer, error) {
	if _, known := dns.AlgorithmToString[alg]; !known {
		return nil, "", nil, newError(UnsupportedAlgorithm, "", "unknown DNSKEY algorithm %d", alg)
	}
	bits, err := bitsForAlgorithm(alg)
	if err != nil {
		return nil, "", nil, err
	}

	flags := uint16(256)
	if kind == KSK {
		flags = 257
	}

	dnskey := &dns.DNSKEY{
		Hdr: dns.RR_Header{
			Name:   dns.Fqdn(owner),
			Rrtype: dns.TypeDNSKEY,
			Class:  dns.ClassINET,
			Ttl:    ttl,
		},
		Algorithm: alg,
		Flags:     flags,
		Protocol:  3,
	}

	privkey, err := dnskey.Generate(bits)
	if err != nil {
		return nil, "", nil, wrapError(IOFailure, owner, err, "generate key material")
	}

	var signer crypto.Signer
	switch pk := privkey.(type) {
	case *rsa.PrivateKey:
		signer = pk
	case ed25519.PrivateKey:
		signer = pk
	case *ecdsa.PrivateKey:
		signer = pk
	default:
		return nil, "", nil, fmt.Errorf("generate: unexpected private key type %T", privkey)
	}

	privKeyText := dnskey.PrivateKeyString(signer)
	return dnskey, privKeyText, signer, nil
}

// GenerateKey creates a new key of kind+algorithm, inserts it into the key
// store in the Generated state, and returns it. Keytag collisions (which
// can only happen across distinct key material hashing to the same 16-bit
// tag) are retried up to 5 times by regenerating fresh key material, per
// the key store's collision-free insertion requirement.
func (z *Zone) GenerateKey(kind KeyType, alg uint8, creator string, rolloverDays int) (*DnssecKey, error) {
	z.keyStoreMutex.Lock()
	defer z.keyStoreMutex.Unlock()

	const maxAttempts = 5
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		dnskey, privText, signer, err := generateDNSKEY(z.Name, kind, alg, z.Policy.DnskeyTTL)
		if err != nil {
			return nil, err
		}

		key := &DnssecKey{
			Zone:          z.Name,
			KeyTag:        dnskey.KeyTag(),
			Type:          kind,
			Algorithm:     alg,
			State:         Generated,
			StateChangeOn: time.Now().UTC(),
			RolloverDays:  rolloverDays,
			Creator:       creator,
			DNSKEY:        *dnskey,
			PrivateKey:    privText,
			signer:        signer,
		}

		if err := z.Keys.Insert(key); err != nil {
			if ze, ok := err.(*Error); ok && ze.Kind == KeyTagCollision {
				lastErr = err
				continue
			}
			return nil, err
		}
		z.addKeyLocked(key)
		return key, nil
	}
	return nil, newError(KeyTagCollision, z.Name, "exhausted %d attempts: %v", maxAttempts, lastErr)
}
