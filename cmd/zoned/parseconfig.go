/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */

package main

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/miekg/dns"
	"github.com/synctonic/zoneguard/zone"
)

// DefaultCfgFile and ZonesCfgFile name the two config files this process
// reads: the main settings file and the zone-list file. The zone list is
// kept separate because viper cannot unmarshal a map keyed by zone name.
var (
	DefaultCfgFile = "/etc/zoneguard/zoned.yaml"
	ZonesCfgFile   = "/etc/zoneguard/zones.yaml"
)

type zonesFile struct {
	Zones map[string]ZoneConf
}

// durationHook lets viper.Unmarshal accept "15m", "30s" etc for
// time.Duration fields instead of requiring raw nanosecond integers.
func durationHook() mapstructure.DecodeHookFunc {
	return mapstructure.StringToTimeDurationHookFunc()
}

// ParseConfig reads the main config file and the zone-list file, validates
// both, and returns a populated Config. Errors here are fatal: there is no
// sensible partially-configured state to run with.
func ParseConfig(conf *Config) error {
	viper.SetConfigFile(DefaultCfgFile)
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		log.Fatalf("Could not load config %s: %v", DefaultCfgFile, err)
	}
	fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())

	decodeHook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(durationHook()))
	if err := viper.Unmarshal(conf, decodeHook); err != nil {
		log.Fatalf("Error unmarshalling config into struct: %v", err)
	}
	conf.ServerBootTime = time.Now().UTC()

	cfgdata, err := os.ReadFile(ZonesCfgFile)
	if err != nil {
		log.Fatalf("Error reading %s: %v", ZonesCfgFile, err)
	}
	var zf zonesFile
	if err := yaml.Unmarshal(cfgdata, &zf); err != nil {
		log.Fatalf("Error parsing %s: %v", ZonesCfgFile, err)
	}
	conf.Zones = normalizeZoneNames(zf.Zones)

	ValidateConfig(conf, DefaultCfgFile)
	ValidateZones(conf, ZonesCfgFile)

	keys, err := zone.NewKeyStore(conf.Db.File)
	if err != nil {
		log.Fatalf("Error opening key store %s: %v", conf.Db.File, err)
	}
	conf.Internal.Keys = keys
	conf.Internal.Zones = make(map[string]*zone.Zone)

	return nil
}

// normalizeZoneNames FQDN-qualifies every zone name and fills in the Name
// field from the map key.
func normalizeZoneNames(zones map[string]ZoneConf) map[string]ZoneConf {
	out := make(map[string]ZoneConf, len(zones))
	for name, zc := range zones {
		fqdn := dns.Fqdn(name)
		zc.Name = fqdn
		out[fqdn] = zc
	}
	return out
}

// policyFor builds a zone.Policy from the named DNSSEC policy, falling back
// to zone.DefaultPolicy for any field the policy config leaves zero.
func policyFor(conf *Config, policyName string) zone.Policy {
	p := zone.DefaultPolicy()
	dp, ok := conf.DnssecPolicies[policyName]
	if !ok {
		return p
	}
	if alg, known := dns.StringToAlgorithm[strings.ToUpper(dp.Algorithm)]; known {
		p.Algorithm = alg
	}
	if dp.DnskeyTTL > 0 {
		p.DnskeyTTL = dp.DnskeyTTL
	}
	if dp.MaxRecordTTL > 0 {
		p.MaxRecordTTL = dp.MaxRecordTTL
	}
	if dp.MaxRRSIGTTL > 0 {
		p.MaxRRSIGTTL = dp.MaxRRSIGTTL
	}
	if dp.ReSignFraction > 0 {
		p.ReSignFraction = dp.ReSignFraction
	}
	if dp.MaintenanceInterval > 0 {
		p.MaintenanceInterval = dp.MaintenanceInterval
	}
	p.RolloverDays = map[string]int{"KSK": dp.KSKRolloverDays, "ZSK": dp.ZSKRolloverDays}
	return p
}

// LoadZones materialises a zone.Zone for every entry in conf.Zones: from its
// on-disk zonefile if one already exists, otherwise freshly constructed via
// zone.NewZone. Every zone's Notifier/Persister/Logger collaborators are
// wired before maintenance starts.
func LoadZones(conf *Config, persister *filePersister, logger zone.Logger) error {
	for name, zc := range conf.Zones {
		var z *zone.Zone
		var err error

		if zc.Zonefile != "" {
			if _, statErr := os.Stat(zc.Zonefile); statErr == nil {
				z, err = loadZoneFile(zc.Zonefile, conf.Internal.Keys)
				if err != nil {
					return fmt.Errorf("zone %s: load %s: %w", name, zc.Zonefile, err)
				}
			}
		}
		if z == nil {
			z = zone.NewZone(name, policyFor(conf, zc.DnssecPolicy), zc.Ns, zc.Mbox, conf.Internal.Keys)
		}

		z.Notifier = logNotifier{}
		z.Persister = persister
		z.Logger = logger

		if err := z.LoadKeys(); err != nil {
			return fmt.Errorf("zone %s: load keys: %w", name, err)
		}

		conf.Internal.putZone(name, z)
		log.Printf("zone %s loaded (status=%s, %d owners)", name, z.Status, len(z.OwnerNames()))
	}
	return nil
}
