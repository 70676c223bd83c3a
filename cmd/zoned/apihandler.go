/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */

package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/miekg/dns"

	"github.com/synctonic/zoneguard/zone"
)

// RecordPost is the /record API request body, covering all four facade
// mutations; which fields apply depends on Op.
type RecordPost struct {
	Op       string // "set", "add", "delete", "delete-rdata", "update"
	Zone     string
	Owner    string
	Type     string
	Rdata    []string // full RRset text for "set"; single record text otherwise
	OldRdata string   // required by "update"
	Disabled bool
}

type RecordResponse struct {
	Zone     string
	Msg      string
	Error    bool   `json:",omitempty"`
	ErrorMsg string `json:",omitempty"`
}

func APIrecord(conf *Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var rp RecordPost
		if err := json.NewDecoder(r.Body).Decode(&rp); err != nil {
			http.Error(w, "bad request body", http.StatusBadRequest)
			return
		}
		log.Printf("API: /record %s zone=%s owner=%s type=%s from %s", rp.Op, rp.Zone, rp.Owner, rp.Type, r.RemoteAddr)

		resp := RecordResponse{Zone: rp.Zone}
		defer func() {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(resp)
		}()

		z, ok := conf.Internal.getZone(rp.Zone)
		if !ok {
			resp.Error, resp.ErrorMsg = true, fmt.Sprintf("zone %s is unknown", rp.Zone)
			return
		}
		rrtype, known := dns.StringToType[strings.ToUpper(rp.Type)]
		if !known {
			resp.Error, resp.ErrorMsg = true, fmt.Sprintf("unknown record type %q", rp.Type)
			return
		}

		if err := applyRecordOp(z, rp, rrtype); err != nil {
			resp.Error, resp.ErrorMsg = true, err.Error()
			return
		}
		resp.Msg = fmt.Sprintf("zone %s: %s applied at %s/%s", rp.Zone, rp.Op, rp.Owner, rp.Type)
	}
}

func applyRecordOp(z *zone.Zone, rp RecordPost, rrtype uint16) error {
	switch rp.Op {
	case "set":
		records := make([]dns.RR, 0, len(rp.Rdata))
		info := make([]*zone.RRInfo, 0, len(rp.Rdata))
		for _, text := range rp.Rdata {
			rr, err := dns.NewRR(text)
			if err != nil {
				return fmt.Errorf("parse record %q: %w", text, err)
			}
			records = append(records, rr)
			info = append(info, &zone.RRInfo{Disabled: rp.Disabled})
		}
		return z.SetRecords(rp.Owner, rrtype, records, info)

	case "add":
		if len(rp.Rdata) != 1 {
			return fmt.Errorf("add requires exactly one record")
		}
		rr, err := dns.NewRR(rp.Rdata[0])
		if err != nil {
			return fmt.Errorf("parse record %q: %w", rp.Rdata[0], err)
		}
		return z.AddRecord(rr, &zone.RRInfo{Disabled: rp.Disabled})

	case "delete":
		return z.DeleteRecords(rp.Owner, rrtype)

	case "delete-rdata":
		if len(rp.Rdata) != 1 {
			return fmt.Errorf("delete-rdata requires exactly one record")
		}
		rr, err := dns.NewRR(rp.Rdata[0])
		if err != nil {
			return fmt.Errorf("parse record %q: %w", rp.Rdata[0], err)
		}
		return z.DeleteRecord(rr)

	case "update":
		if len(rp.Rdata) != 1 || rp.OldRdata == "" {
			return fmt.Errorf("update requires OldRdata and exactly one new record")
		}
		oldRR, err := dns.NewRR(rp.OldRdata)
		if err != nil {
			return fmt.Errorf("parse old record %q: %w", rp.OldRdata, err)
		}
		newRR, err := dns.NewRR(rp.Rdata[0])
		if err != nil {
			return fmt.Errorf("parse new record %q: %w", rp.Rdata[0], err)
		}
		return z.UpdateRecord(oldRR, newRR, &zone.RRInfo{Disabled: rp.Disabled})

	default:
		return fmt.Errorf("unknown op %q", rp.Op)
	}
}

func APIcommand(conf *Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var cp CommandPost
		if err := json.NewDecoder(r.Body).Decode(&cp); err != nil {
			http.Error(w, "bad request body", http.StatusBadRequest)
			return
		}
		log.Printf("API: /command %s/%s zone=%s from %s", cp.Command, cp.SubCommand, cp.Zone, r.RemoteAddr)

		resp := ZoneOps(conf, cp)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

func APIping(service string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"service": service, "status": "ok"})
	}
}

func SetupRouter(conf *Config) *mux.Router {
	r := mux.NewRouter().StrictSlash(true)

	sr := r.PathPrefix("/api/v1").Headers("X-API-Key", conf.Apiserver.Key).Subrouter()
	sr.HandleFunc("/ping", APIping(conf.Service.Name)).Methods("POST")
	sr.HandleFunc("/record", APIrecord(conf)).Methods("POST")
	sr.HandleFunc("/command", APIcommand(conf)).Methods("POST")

	return r
}

func walkRoutes(router *mux.Router, address string) {
	log.Printf("Defined API endpoints for router on: %s", address)
	walker := func(route *mux.Route, router *mux.Router, ancestors []*mux.Route) error {
		path, _ := route.GetPathTemplate()
		methods, _ := route.GetMethods()
		for _, m := range methods {
			log.Printf("%-6s %s", m, path)
		}
		return nil
	}
	if err := router.Walk(walker); err != nil {
		log.Printf("walkRoutes: %v", err)
	}
}

func serveAPI(address string, router *mux.Router) error {
	log.Println("Starting API dispatcher. Listening on", address)
	return http.ListenAndServe(address, router)
}
