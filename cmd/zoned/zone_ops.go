/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */

package main

import (
	"fmt"
	"strings"

	"github.com/miekg/dns"

	"github.com/synctonic/zoneguard/zone"
)

// CommandPost is the /command API request body: zone-level operations that
// don't fit the record-mutation endpoints (sign, key lifecycle, NSEC3 mode).
type CommandPost struct {
	Command    string
	Zone       string
	SubCommand string
	KeyType    string // "KSK" or "ZSK", for generate-key
	Algorithm  string
	Keytag     uint16
	Iterations uint16
	Salt       string
	OptOut     bool
}

type CommandResponse struct {
	Zone     string
	Msg      string
	Error    bool   `json:",omitempty"`
	ErrorMsg string `json:",omitempty"`
	Names    []string `json:",omitempty"`
}

// ZoneOps dispatches one /command request against the named zone.
func ZoneOps(conf *Config, cp CommandPost) CommandResponse {
	resp := CommandResponse{Zone: cp.Zone}

	z, ok := conf.Internal.getZone(cp.Zone)
	if !ok {
		resp.Error, resp.ErrorMsg = true, fmt.Sprintf("zone %s is unknown", cp.Zone)
		return resp
	}

	switch cp.SubCommand {
	case "sign-zone":
		n, err := z.SignZone(false)
		if err != nil {
			resp.Error, resp.ErrorMsg = true, err.Error()
			return resp
		}
		resp.Msg = fmt.Sprintf("zone %s: (re-)signed %d rrsets", cp.Zone, n)

	case "generate-key":
		kind := zone.ZSK
		if strings.EqualFold(cp.KeyType, "KSK") {
			kind = zone.KSK
		}
		alg, ok := dns.StringToAlgorithm[strings.ToUpper(cp.Algorithm)]
		if !ok {
			resp.Error, resp.ErrorMsg = true, fmt.Sprintf("unknown algorithm %q", cp.Algorithm)
			return resp
		}
		key, err := z.GenerateKey(kind, alg, "operator", 0)
		if err != nil {
			resp.Error, resp.ErrorMsg = true, err.Error()
			return resp
		}
		resp.Msg = fmt.Sprintf("zone %s: generated %s keytag %d", cp.Zone, key.Type, key.KeyTag)

	case "rollover-key":
		key := z.KeysByState(zone.KSK, zone.Active)
		key = append(key, z.KeysByState(zone.ZSK, zone.Active)...)
		var predecessor *zone.DnssecKey
		for _, k := range key {
			if k.KeyTag == cp.Keytag {
				predecessor = k
				break
			}
		}
		if predecessor == nil {
			resp.Error, resp.ErrorMsg = true, fmt.Sprintf("keytag %d is not an active key in zone %s", cp.Keytag, cp.Zone)
			return resp
		}
		successor, err := z.RolloverKey(predecessor)
		if err != nil {
			resp.Error, resp.ErrorMsg = true, err.Error()
			return resp
		}
		resp.Msg = fmt.Sprintf("zone %s: rollover of keytag %d started, successor keytag %d", cp.Zone, cp.Keytag, successor.KeyTag)

	case "convert-nsec3":
		if err := z.ConvertToNSEC3(cp.Iterations, cp.Salt, cp.OptOut); err != nil {
			resp.Error, resp.ErrorMsg = true, err.Error()
			return resp
		}
		resp.Msg = fmt.Sprintf("zone %s: converted to NSEC3", cp.Zone)

	case "convert-nsec":
		if err := z.ConvertToNSEC(); err != nil {
			resp.Error, resp.ErrorMsg = true, err.Error()
			return resp
		}
		resp.Msg = fmt.Sprintf("zone %s: converted to NSEC", cp.Zone)

	case "status":
		resp.Msg = fmt.Sprintf("zone %s: status=%s owners=%d", cp.Zone, z.Status, len(z.OwnerNames()))
		resp.Names = z.OwnerNames()

	default:
		resp.Error, resp.ErrorMsg = true, fmt.Sprintf("unknown sub command: %q", cp.SubCommand)
	}

	return resp
}
