/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package zone

import "time"

// LoadKeys (re)populates the in-memory key cache from the key store. Call
// once at zone load/creation; subsequent mutations go through Transition,
// addKeyLocked and PurgeKey which keep the cache and the store in lockstep.
func (z *Zone) LoadKeys() error {
	z.keyStoreMutex.Lock()
	defer z.keyStoreMutex.Unlock()

	keys, err := z.Keys.Load(z.Name)
	if err != nil {
		return err
	}
	z.keys = keys
	return nil
}

// addKeyLocked inserts an already-generated key into the in-memory cache; used by
// GenerateKey and rollover once the store insert has succeeded.
func (z *Zone) addKeyLocked(key *DnssecKey) {
	z.keys = append(z.keys, key)
}

// KeysByState returns every key of kind whose state is one of states.
func (z *Zone) KeysByState(kind KeyType, states ...KeyState) []*DnssecKey {
	z.keyStoreMutex.Lock()
	defer z.keyStoreMutex.Unlock()
	return z.keysByStateLocked(kind, states...)
}

func (z *Zone) keysByStateLocked(kind KeyType, states ...KeyState) []*DnssecKey {
	var out []*DnssecKey
	for _, k := range z.keys {
		if k.Type != kind {
			continue
		}
		for _, s := range states {
			if k.State == s {
				out = append(out, k)
				break
			}
		}
	}
	return out
}

func (z *Zone) findKeyLocked(keytag uint16) *DnssecKey {
	for _, k := range z.keys {
		if k.KeyTag == keytag {
			return k
		}
	}
	return nil
}

// Transition persists a forward state change for key and updates the cache.
// Backwards transitions are rejected defensively.
func (z *Zone) Transition(key *DnssecKey, newState KeyState) error {
	z.keyStoreMutex.Lock()
	defer z.keyStoreMutex.Unlock()
	return z.transitionLocked(key, newState)
}

func (z *Zone) transitionLocked(key *DnssecKey, newState KeyState) error {
	if stateOrd[newState] < stateOrd[key.State] {
		return newError(TransientConflict, z.Name, "key %d: refusing backwards transition %s -> %s", key.KeyTag, key.State, newState)
	}
	now := time.Now().UTC()
	if err := z.Keys.UpdateState(z.Name, key.KeyTag, newState, now, key.IsRetiring); err != nil {
		return err
	}
	key.State = newState
	key.StateChangeOn = now
	return nil
}

func (z *Zone) setRetiringLocked(key *DnssecKey, retiring bool) error {
	if err := z.Keys.UpdateState(z.Name, key.KeyTag, key.State, key.StateChangeOn, retiring); err != nil {
		return err
	}
	key.IsRetiring = retiring
	return nil
}

func (z *Zone) setSuccessorLocked(key *DnssecKey, successorTag uint16) error {
	if err := z.Keys.UpdateSuccessor(z.Name, key.KeyTag, successorTag); err != nil {
		return err
	}
	key.SuccessorTag = successorTag
	return nil
}

// PurgeKey removes a Dead key from both the cache and the store, per the
// Dead -> removed transition. Callers are responsible for purging
// its RRSIGs from the record store first.
func (z *Zone) PurgeKey(key *DnssecKey) error {
	z.keyStoreMutex.Lock()
	defer z.keyStoreMutex.Unlock()

	if err := z.Keys.Delete(z.Name, key.KeyTag); err != nil {
		return err
	}
	kept := z.keys[:0:0]
	for _, k := range z.keys {
		if k.KeyTag != key.KeyTag {
			kept = append(kept, k)
		}
	}
	z.keys = kept
	return nil
}
