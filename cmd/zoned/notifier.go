/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */

package main

import "log"

// logNotifier is a placeholder Notifier: it logs the notify/disable events
// rather than driving a real IXFR/AXFR notify transport, which is out of
// scope for this process.
type logNotifier struct{}

func (logNotifier) TriggerNotify(zoneName string)     { log.Printf("notify: zone %s changed", zoneName) }
func (logNotifier) DisableNotifyTimer(zoneName string) { log.Printf("notify: zone %s timer disabled", zoneName) }
