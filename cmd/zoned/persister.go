/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */

package main

import (
	"fmt"
	"os"

	"github.com/synctonic/zoneguard/zone"
)

// filePersister is the on-disk persistence collaborator: one file per zone,
// holding the binary blob zone.Encode/zone.Decode produce.
type filePersister struct {
	conf *Config
}

func newFilePersister(conf *Config) *filePersister {
	return &filePersister{conf: conf}
}

func (p *filePersister) SaveZoneFile(zoneName string) error {
	z, ok := p.conf.Internal.getZone(zoneName)
	if !ok {
		return fmt.Errorf("persister: zone %s not loaded", zoneName)
	}
	zc, ok := p.conf.Zones[zoneName]
	if !ok || zc.Zonefile == "" {
		return fmt.Errorf("persister: zone %s has no configured zonefile path", zoneName)
	}

	blob, err := z.Encode()
	if err != nil {
		return fmt.Errorf("persister: encode zone %s: %w", zoneName, err)
	}

	tmp := zc.Zonefile + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return fmt.Errorf("persister: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, zc.Zonefile); err != nil {
		return fmt.Errorf("persister: rename %s -> %s: %w", tmp, zc.Zonefile, err)
	}
	return nil
}

func loadZoneFile(path string, keys *zone.KeyStore) (*zone.Zone, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return zone.Decode(blob, keys)
}
