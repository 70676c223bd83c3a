/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package zone

import "fmt"

// KeyState is the RFC 6781 / RFC 7583 lifecycle state of a DNSSEC key.
type KeyState uint8

const (
	Generated KeyState = iota + 1
	Published
	Ready
	Active
	Retired
	Revoked
	Dead
)

var keyStateToString = map[KeyState]string{
	Generated: "generated",
	Published: "published",
	Ready:     "ready",
	Active:    "active",
	Retired:   "retired",
	Revoked:   "revoked",
	Dead:      "dead",
}

var stringToKeyState = map[string]KeyState{
	"generated": Generated,
	"published": Published,
	"ready":     Ready,
	"active":    Active,
	"retired":   Retired,
	"revoked":   Revoked,
	"dead":      Dead,
}

func (s KeyState) String() string {
	if str, ok := keyStateToString[s]; ok {
		return str
	}
	return fmt.Sprintf("KeyState(%d)", uint8(s))
}

// stateOrd gives each state a total order so a backwards transition can be
// checked with a simple integer comparison; Revoked sits after Retired in
// the KSK-only revoke path even though it is reachable from Retired alone,
// never from Active directly.
var stateOrd = map[KeyState]int{
	Generated: 0,
	Published: 1,
	Ready:     2,
	Active:    3,
	Retired:   4,
	Revoked:   5,
	Dead:      6,
}

// KeyType distinguishes key-signing from zone-signing keys.
type KeyType uint8

const (
	KSK KeyType = iota + 1
	ZSK
)

func (t KeyType) String() string {
	if t == KSK {
		return "KSK"
	}
	return "ZSK"
}
