/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package zone

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/miekg/dns"
)

// persistVersion is the only version this build writes; Decode accepts only
// this value and fails with UnsupportedFormat otherwise.
const persistVersion = 1

// Encode serialises the zone's records, keys and key state into the
// versioned binary form the persistence collaborator writes to disk. The
// journal is not written, so a decoded zone starts with an empty journal.
func (z *Zone) Encode() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(persistVersion)

	writeString(&buf, z.Name)
	buf.WriteByte(byte(z.Status))

	names := z.OwnerNames()
	sortCanonical(names)
	writeUint32(&buf, uint32(len(names)))
	for _, name := range names {
		owner := z.GetOwner(name)
		types := owner.RRtypes.Keys()
		writeString(&buf, name)
		writeUint32(&buf, uint32(len(types)))
		for _, rrtype := range types {
			rrset := owner.RRtypes.GetOnlyRRset(rrtype)
			if err := writeRRset(&buf, rrset); err != nil {
				return nil, wrapError(IOFailure, z.Name, err, "encode rrset %s/%s", name, dns.TypeToString[rrtype])
			}
		}
	}

	z.keyStoreMutex.Lock()
	keys := make([]*DnssecKey, len(z.keys))
	copy(keys, z.keys)
	z.keyStoreMutex.Unlock()

	writeUint32(&buf, uint32(len(keys)))
	for _, k := range keys {
		writeKey(&buf, k)
	}

	if z.nsec3 != nil {
		buf.WriteByte(1)
		writeUint16(&buf, z.nsec3.Iterations)
		writeString(&buf, z.nsec3.Salt)
		if z.nsec3.OptOut {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	} else {
		buf.WriteByte(0)
	}

	return buf.Bytes(), nil
}

// Decode reconstructs a zone's record store, key cache and NSEC3 parameters
// from a blob written by Encode. The journal is not restored: a freshly
// loaded zone starts its journal empty, consistent with persistence being
// an external collaborator with no IXFR-history contract of its own.
func Decode(data []byte, keys *KeyStore) (*Zone, error) {
	r := bytes.NewReader(data)

	version, err := r.ReadByte()
	if err != nil {
		return nil, wrapError(UnsupportedFormat, "", err, "read version byte")
	}
	if version != persistVersion {
		return nil, newError(UnsupportedFormat, "", "unsupported persisted zone format version %d", version)
	}

	name, err := readString(r)
	if err != nil {
		return nil, wrapError(IOFailure, "", err, "read zone name")
	}
	statusByte, err := r.ReadByte()
	if err != nil {
		return nil, wrapError(IOFailure, name, err, "read status byte")
	}

	z := NewZone(name, DefaultPolicy(), nil, "", keys)
	z.Status = DnssecStatus(statusByte)

	ownerCount, err := readUint32(r)
	if err != nil {
		return nil, wrapError(IOFailure, name, err, "read owner count")
	}
	for i := uint32(0); i < ownerCount; i++ {
		ownerName, err := readString(r)
		if err != nil {
			return nil, wrapError(IOFailure, name, err, "read owner name")
		}
		typeCount, err := readUint32(r)
		if err != nil {
			return nil, wrapError(IOFailure, name, err, "read type count for %s", ownerName)
		}
		owner := z.GetOwner(ownerName)
		for j := uint32(0); j < typeCount; j++ {
			rrset, err := readRRset(r)
			if err != nil {
				return nil, wrapError(IOFailure, name, err, "read rrset for %s", ownerName)
			}
			owner.RRtypes.Set(rrset.RRtype, rrset)
		}
	}

	keyCount, err := readUint32(r)
	if err != nil {
		return nil, wrapError(IOFailure, name, err, "read key count")
	}
	loaded := make([]*DnssecKey, 0, keyCount)
	for i := uint32(0); i < keyCount; i++ {
		k, err := readKey(r, name)
		if err != nil {
			return nil, wrapError(IOFailure, name, err, "read key")
		}
		loaded = append(loaded, k)
	}
	z.keys = loaded

	hasNsec3, err := r.ReadByte()
	if err != nil {
		return nil, wrapError(IOFailure, name, err, "read nsec3 marker")
	}
	if hasNsec3 == 1 {
		iterations, err := readUint16(r)
		if err != nil {
			return nil, wrapError(IOFailure, name, err, "read nsec3 iterations")
		}
		salt, err := readString(r)
		if err != nil {
			return nil, wrapError(IOFailure, name, err, "read nsec3 salt")
		}
		optOutByte, err := r.ReadByte()
		if err != nil {
			return nil, wrapError(IOFailure, name, err, "read nsec3 opt-out flag")
		}
		z.nsec3 = &nsec3Params{Iterations: iterations, Salt: salt, OptOut: optOutByte == 1}
	}

	return z, nil
}

func writeRRset(buf *bytes.Buffer, rrset RRset) error {
	writeString(buf, rrset.Name)
	writeUint16(buf, rrset.RRtype)
	writeUint32(buf, rrset.TTL)
	writeUint32(buf, uint32(len(rrset.RRs)))
	for _, rr := range rrset.RRs {
		writeString(buf, rr.String())
	}
	writeUint32(buf, uint32(len(rrset.RRSIGs)))
	for _, rr := range rrset.RRSIGs {
		writeString(buf, rr.String())
	}
	return nil
}

func readRRset(r *bytes.Reader) (RRset, error) {
	var rrset RRset
	var err error
	if rrset.Name, err = readString(r); err != nil {
		return rrset, err
	}
	if rrset.RRtype, err = readUint16(r); err != nil {
		return rrset, err
	}
	if rrset.TTL, err = readUint32(r); err != nil {
		return rrset, err
	}
	n, err := readUint32(r)
	if err != nil {
		return rrset, err
	}
	for i := uint32(0); i < n; i++ {
		s, err := readString(r)
		if err != nil {
			return rrset, err
		}
		rr, err := dns.NewRR(s)
		if err != nil {
			return rrset, fmt.Errorf("parse persisted RR %q: %w", s, err)
		}
		rrset.RRs = append(rrset.RRs, rr)
	}
	n, err = readUint32(r)
	if err != nil {
		return rrset, err
	}
	for i := uint32(0); i < n; i++ {
		s, err := readString(r)
		if err != nil {
			return rrset, err
		}
		rr, err := dns.NewRR(s)
		if err != nil {
			return rrset, fmt.Errorf("parse persisted RRSIG %q: %w", s, err)
		}
		rrset.RRSIGs = append(rrset.RRSIGs, rr)
	}
	return rrset, nil
}

func writeKey(buf *bytes.Buffer, k *DnssecKey) {
	writeUint16(buf, k.KeyTag)
	buf.WriteByte(byte(k.Type))
	buf.WriteByte(k.Algorithm)
	buf.WriteByte(byte(k.State))
	writeUint64(buf, uint64(k.StateChangeOn.UTC().Unix()))
	writeUint32(buf, uint32(k.RolloverDays))
	if k.IsRetiring {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	writeUint16(buf, k.SuccessorTag)
	writeString(buf, k.Creator)
	writeString(buf, k.PrivateKey)
	writeString(buf, k.DNSKEY.String())
}

func readKey(r *bytes.Reader, zoneName string) (*DnssecKey, error) {
	k := &DnssecKey{Zone: zoneName}
	var err error
	if k.KeyTag, err = readUint16(r); err != nil {
		return nil, err
	}
	typeByte, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	k.Type = KeyType(typeByte)
	if k.Algorithm, err = r.ReadByte(); err != nil {
		return nil, err
	}
	stateByte, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	k.State = KeyState(stateByte)
	ticks, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	k.StateChangeOn = time.Unix(int64(ticks), 0).UTC()
	rolloverDays, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	k.RolloverDays = int(rolloverDays)
	retiringByte, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	k.IsRetiring = retiringByte == 1
	if k.SuccessorTag, err = readUint16(r); err != nil {
		return nil, err
	}
	if k.Creator, err = readString(r); err != nil {
		return nil, err
	}
	if k.PrivateKey, err = readString(r); err != nil {
		return nil, err
	}
	keyrrStr, err := readString(r)
	if err != nil {
		return nil, err
	}
	rr, err := dns.NewRR(keyrrStr)
	if err != nil {
		return nil, fmt.Errorf("parse persisted DNSKEY: %w", err)
	}
	dnskey, ok := rr.(*dns.DNSKEY)
	if !ok {
		return nil, fmt.Errorf("persisted keyrr is not a DNSKEY")
	}
	k.DNSKEY = *dnskey
	signer, err := loadSigner(dnskey, k.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("reconstruct signer for keytag %d: %w", k.KeyTag, err)
	}
	k.signer = signer
	return k, nil
}

func writeString(buf *bytes.Buffer, s string) {
	writeBytes(buf, []byte(s))
}

func readString(r *bytes.Reader) (string, error) {
	b, err := readBytes(r)
	return string(b), err
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	writeUint32(buf, uint32(len(b)))
	buf.Write(b)
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := r.Read(b); err != nil && n > 0 {
		return nil, err
	}
	return b, nil
}

func writeUint16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func readUint16(r *bytes.Reader) (uint16, error) {
	var b [2]byte
	if _, err := r.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func readUint32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := r.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func readUint64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := r.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}
