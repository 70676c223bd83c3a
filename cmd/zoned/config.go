/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */

package main

import (
	"log"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/synctonic/zoneguard/zone"
)

// Config is the top-level process configuration, unmarshalled from the main
// config file by viper. The zone list itself lives in a separate YAML file
// (see ZonesCfgFile) since viper cannot unmarshal a map keyed by zone name.
type Config struct {
	ServerBootTime time.Time
	Service        ServiceConf
	Apiserver      ApiserverConf
	Db             DbConf
	Log            LogConf
	DnssecPolicies map[string]DnssecPolicyConf
	Zones          map[string]ZoneConf
	Internal       InternalConf
}

type ServiceConf struct {
	Name    string `validate:"required"`
	Debug   bool
	Verbose bool
}

type ApiserverConf struct {
	Address string `validate:"required"`
	Key     string `validate:"required"`
}

type DbConf struct {
	File string `validate:"required"`
}

type LogConf struct {
	File string `validate:"required"`
}

// DnssecPolicyConf names one reusable signing policy a zone can refer to.
type DnssecPolicyConf struct {
	Algorithm           string        `validate:"required"`
	DnskeyTTL           uint32        `validate:"required"`
	MaxRecordTTL        uint32        `validate:"required"`
	MaxRRSIGTTL         uint32        `validate:"required"`
	ReSignFraction      int
	MaintenanceInterval time.Duration
	KSKRolloverDays     int
	ZSKRolloverDays     int
}

// ZoneConf is one entry in the zone list file.
type ZoneConf struct {
	Name         string
	Ns           []string `validate:"required"`
	Mbox         string   `validate:"required"`
	DnssecPolicy string
	Nsec3        bool
	Notify       []string
	Zonefile     string
}

// InternalConf carries runtime state assembled during startup: the open key
// store, the in-memory zone table and the mutex guarding it.
type InternalConf struct {
	Keys  *zone.KeyStore
	mu    sync.Mutex
	Zones map[string]*zone.Zone
}

func (c *InternalConf) getZone(name string) (*zone.Zone, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	z, ok := c.Zones[name]
	return z, ok
}

func (c *InternalConf) putZone(name string, z *zone.Zone) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Zones == nil {
		c.Zones = make(map[string]*zone.Zone)
	}
	c.Zones[name] = z
}

func (c *InternalConf) zoneNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.Zones))
	for n := range c.Zones {
		names = append(names, n)
	}
	return names
}

// ValidateConfig checks the top-level sections of conf for required fields,
// terminating the process on failure the way the rest of the startup path does.
func ValidateConfig(conf *Config, cfgfile string) {
	sections := map[string]interface{}{
		"service":   conf.Service,
		"apiserver": conf.Apiserver,
		"db":        conf.Db,
		"log":       conf.Log,
	}
	validateBySection(conf.Service.Name, sections, cfgfile)
}

// ValidateZones checks every parsed zone entry for required fields.
func ValidateZones(conf *Config, cfgfile string) {
	sections := make(map[string]interface{}, len(conf.Zones))
	for zname, zc := range conf.Zones {
		sections["zone:"+zname] = zc
	}
	validateBySection(conf.Service.Name, sections, cfgfile)
}

func validateBySection(service string, sections map[string]interface{}, cfgfile string) {
	validate := validator.New()
	for k, data := range sections {
		if err := validate.Struct(data); err != nil {
			log.Fatalf("%s: config %q, section %s: missing required attributes:\n%v", service, cfgfile, k, err)
		}
	}
}
