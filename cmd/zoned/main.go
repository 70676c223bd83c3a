/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */

package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/synctonic/zoneguard/zone"
)

var appVersion string

func main() {
	var verbose, debug bool
	pflag.StringVarP(&DefaultCfgFile, "config", "c", DefaultCfgFile, "main config file")
	pflag.StringVarP(&ZonesCfgFile, "zones", "z", ZonesCfgFile, "zone list file")
	pflag.BoolVarP(&verbose, "verbose", "v", false, "verbose logging")
	pflag.BoolVarP(&debug, "debug", "d", false, "debug logging")
	pflag.Parse()

	zone.SetupCliLogging(verbose, debug)
	fmt.Printf("zoned version %s starting.\n", appVersion)

	var conf Config
	if err := ParseConfig(&conf); err != nil {
		log.Fatalf("Error parsing config: %v", err)
	}
	conf.Service.Verbose, conf.Service.Debug = verbose, debug

	logger, err := zone.NewFileLogger(conf.Log.File)
	if err != nil {
		log.Fatalf("Error setting up log file %s: %v", conf.Log.File, err)
	}
	log.Printf("Logging zone activity to %s", conf.Log.File)

	persister := newFilePersister(&conf)
	if err := LoadZones(&conf, persister, logger); err != nil {
		log.Fatalf("Error loading zones: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	for _, name := range conf.Internal.zoneNames() {
		z, _ := conf.Internal.getZone(name)
		z.StartMaintenance(ctx)
	}

	go func() {
		router := SetupRouter(&conf)
		walkRoutes(router, conf.Apiserver.Address)
		log.Fatal(serveAPI(conf.Apiserver.Address, router))
	}()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	hupper := make(chan os.Signal, 1)
	signal.Notify(hupper, syscall.SIGHUP)

	for {
		select {
		case <-hupper:
			log.Println("SIGHUP received: triggering a re-sign pass on every zone.")
			for _, name := range conf.Internal.zoneNames() {
				z, _ := conf.Internal.getZone(name)
				if _, err := z.SignZone(false); err != nil {
					log.Printf("zone %s: re-sign on SIGHUP failed: %v", name, err)
				}
			}
		case <-exit:
			log.Println("Exit signal received. Disposing zones and shutting down.")
			cancel()
			for _, name := range conf.Internal.zoneNames() {
				z, _ := conf.Internal.getZone(name)
				z.Dispose()
			}
			return
		}
	}
}
