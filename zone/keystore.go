/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package zone

import (
	"crypto"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/miekg/dns"
)

// defaultTables declares the DnssecKeyStore schema, extended with the
// columns the key state machine needs for rollover linkage.
var defaultTables = map[string]string{
	"DnssecKeyStore": `CREATE TABLE IF NOT EXISTS 'DnssecKeyStore' (
id		  	  INTEGER PRIMARY KEY,
zonename	  TEXT,
keyid		  INTEGER,
keytype		  TEXT,
state		  TEXT,
state_changed_on INTEGER,
algorithm	  TEXT,
flags		  INTEGER,
rollover_days	  INTEGER,
is_retiring	  INTEGER DEFAULT 0,
successor_keytag  INTEGER DEFAULT 0,
creator	  	  TEXT,
privatekey	  TEXT,
keyrr		  TEXT,
comment	  	  TEXT,
UNIQUE (zonename, keyid)
)`,
}

// DnssecKey is one entry in the key store: algorithm, type, key-tag, public
// DNSKEY RDATA, private material, state and rollover bookkeeping.
type DnssecKey struct {
	Zone          string
	KeyTag        uint16
	Type          KeyType
	Algorithm     uint8
	State         KeyState
	StateChangeOn time.Time
	RolloverDays  int
	IsRetiring    bool
	SuccessorTag  uint16 // keytag of the key rolling this one out, 0 if none
	Creator       string

	DNSKEY     dns.DNSKEY
	PrivateKey string // BIND private-key-file text form
	signer     crypto.Signer
}

// Signer returns the crypto.Signer backing this key's private material.
func (k *DnssecKey) Signer() crypto.Signer { return k.signer }

// KeyStore maps keytag -> *DnssecKey for one or more zones, persisted in
// sqlite. keyStoreMutex on the owning Zone protects concurrent access; the
// store itself only serialises its own sqlite transactions.
type KeyStore struct {
	db  *sql.DB
	ctx string
}

type keyTx struct {
	*sql.Tx
	store   *KeyStore
	context string
}

func (tx *keyTx) Commit() error {
	err := tx.Tx.Commit()
	tx.store.ctx = ""
	return err
}

func (tx *keyTx) Rollback() error {
	err := tx.Tx.Rollback()
	tx.store.ctx = ""
	if err != nil {
		log.Printf("keyTx(%s): rollback error: %v", tx.context, err)
	}
	return err
}

func (s *KeyStore) begin(context string) (*keyTx, error) {
	if s.ctx != "" {
		return nil, fmt.Errorf("keystore transaction already in progress: %s", s.ctx)
	}
	s.ctx = context
	tx, err := s.db.Begin()
	if err != nil {
		s.ctx = ""
		return nil, err
	}
	return &keyTx{Tx: tx, store: s, context: context}, nil
}

// NewKeyStore opens (creating if necessary) the sqlite-backed key store at dbfile.
func NewKeyStore(dbfile string) (*KeyStore, error) {
	if dbfile == "" {
		return nil, fmt.Errorf("keystore: database filename unspecified")
	}
	db, err := sql.Open("sqlite3", dbfile)
	if err != nil {
		return nil, fmt.Errorf("keystore: sql.Open: %w", err)
	}
	for name, ddl := range defaultTables {
		if _, err := db.Exec(ddl); err != nil {
			return nil, fmt.Errorf("keystore: creating table %s: %w", name, err)
		}
	}
	return &KeyStore{db: db}, nil
}

func (s *KeyStore) Close() error { return s.db.Close() }

// Insert stores key in a single attempt. Any failure of the insert itself,
// including a duplicate (zonename, keyid), surfaces as KeyTagCollision;
// Insert does not retry. GenerateKey retries with fresh keys.
func (s *KeyStore) Insert(key *DnssecKey) error {
	tx, err := s.begin("insert-key")
	if err != nil {
		return wrapError(IOFailure, key.Zone, err, "begin transaction")
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	const insertSQL = `
INSERT OR FAIL INTO DnssecKeyStore
  (zonename, keyid, keytype, state, state_changed_on, algorithm, flags, rollover_days, is_retiring, successor_keytag, creator, privatekey, keyrr)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = tx.Exec(insertSQL,
		key.Zone, key.KeyTag, key.Type.String(), key.State.String(), key.StateChangeOn.Unix(),
		dns.AlgorithmToString[key.Algorithm], key.DNSKEY.Flags, key.RolloverDays, key.IsRetiring, key.SuccessorTag,
		key.Creator, key.PrivateKey, key.DNSKEY.String())
	if err != nil {
		return wrapError(KeyTagCollision, key.Zone, err, "keytag %d already present", key.KeyTag)
	}
	if err = tx.Commit(); err != nil {
		return wrapError(IOFailure, key.Zone, err, "commit insert")
	}
	return nil
}

// UpdateState persists a state transition for keytag in zoneName.
func (s *KeyStore) UpdateState(zoneName string, keytag uint16, state KeyState, changedOn time.Time, isRetiring bool) error {
	const updateSQL = `UPDATE DnssecKeyStore SET state=?, state_changed_on=?, is_retiring=? WHERE zonename=? AND keyid=?`
	_, err := s.db.Exec(updateSQL, state.String(), changedOn.Unix(), isRetiring, zoneName, keytag)
	if err != nil {
		return wrapError(IOFailure, zoneName, err, "persist state transition for keytag %d", keytag)
	}
	return nil
}

// UpdateSuccessor records which key is rolling keytag out.
func (s *KeyStore) UpdateSuccessor(zoneName string, keytag, successorTag uint16) error {
	_, err := s.db.Exec(`UPDATE DnssecKeyStore SET successor_keytag=? WHERE zonename=? AND keyid=?`, successorTag, zoneName, keytag)
	if err != nil {
		return wrapError(IOFailure, zoneName, err, "persist successor link for keytag %d", keytag)
	}
	return nil
}

// Delete removes keytag from the store (the Dead -> removed transition).
func (s *KeyStore) Delete(zoneName string, keytag uint16) error {
	_, err := s.db.Exec(`DELETE FROM DnssecKeyStore WHERE zonename=? AND keyid=?`, zoneName, keytag)
	if err != nil {
		return wrapError(IOFailure, zoneName, err, "delete keytag %d", keytag)
	}
	return nil
}

// Load reads every key for zoneName back from sqlite. The crypto.Signer is
// reconstructed from the stored BIND private-key text via loadSigner.
func (s *KeyStore) Load(zoneName string) ([]*DnssecKey, error) {
	const selectSQL = `
SELECT keyid, keytype, state, state_changed_on, algorithm, flags, rollover_days, is_retiring, successor_keytag, creator, privatekey, keyrr
FROM DnssecKeyStore WHERE zonename=?`

	rows, err := s.db.Query(selectSQL, zoneName)
	if err != nil {
		return nil, wrapError(IOFailure, zoneName, err, "load keys")
	}
	defer rows.Close()

	var out []*DnssecKey
	for rows.Next() {
		var keyid int
		var keytype, state, algstr, creator, privatekey, keyrrstr string
		var stateChangedOn int64
		var flags, rolloverDays, successorTag int
		var isRetiring bool

		if err := rows.Scan(&keyid, &keytype, &state, &stateChangedOn, &algstr, &flags, &rolloverDays, &isRetiring, &successorTag, &creator, &privatekey, &keyrrstr); err != nil {
			return nil, wrapError(IOFailure, zoneName, err, "scan key row")
		}

		rr, err := dns.NewRR(keyrrstr)
		if err != nil {
			return nil, wrapError(IOFailure, zoneName, err, "parse stored DNSKEY")
		}
		dnskey, ok := rr.(*dns.DNSKEY)
		if !ok {
			return nil, wrapError(IOFailure, zoneName, nil, "stored keyrr is not a DNSKEY")
		}

		kt := KSK
		if keytype == "ZSK" {
			kt = ZSK
		}

		signer, err := loadSigner(dnskey, privatekey)
		if err != nil {
			return nil, wrapError(IOFailure, zoneName, err, "reconstruct signer for keytag %d", keyid)
		}

		out = append(out, &DnssecKey{
			Zone:          zoneName,
			KeyTag:        uint16(keyid),
			Type:          kt,
			Algorithm:     dns.StringToAlgorithm[algstr],
			State:         stringToKeyState[state],
			StateChangeOn: time.Unix(stateChangedOn, 0).UTC(),
			RolloverDays:  rolloverDays,
			IsRetiring:    isRetiring,
			SuccessorTag:  uint16(successorTag),
			Creator:       creator,
			DNSKEY:        *dnskey,
			PrivateKey:    privatekey,
			signer:        signer,
		})
	}
	return out, nil
}

func loadSigner(dnskey *dns.DNSKEY, privateKeyText string) (crypto.Signer, error) {
	pk, err := dnskey.NewPrivateKey(privateKeyText)
	if err != nil {
		return nil, err
	}
	signer, ok := pk.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("private key does not implement crypto.Signer")
	}
	return signer, nil
}
