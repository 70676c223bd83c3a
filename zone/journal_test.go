/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package zone

import (
	"testing"
	"time"

	"github.com/synctonic/zoneguard/zone/ixfr"
)

func TestNextSerialPlainIncrement(t *testing.T) {
	if got := nextSerial(10, 0, false); got != 11 {
		t.Errorf("nextSerial(10, -, false) = %d, want 11", got)
	}
}

func TestNextSerialSuppliedWins(t *testing.T) {
	if got := nextSerial(10, 50, true); got != 50 {
		t.Errorf("nextSerial(10, 50, true) = %d, want 50", got)
	}
}

func TestNextSerialSuppliedLowerIgnored(t *testing.T) {
	if got := nextSerial(10, 5, true); got != 11 {
		t.Errorf("nextSerial(10, 5, true) = %d, want 11 (supplied must exceed old+1)", got)
	}
}

func TestNextSerialWrapsAtMax(t *testing.T) {
	if got := nextSerial(0xFFFFFFFF, 999, true); got != 1 {
		t.Errorf("nextSerial at wrap boundary = %d, want 1 regardless of supplied", got)
	}
	if got := nextSerial(0xFFFFFFFF, 0, false); got != 1 {
		t.Errorf("nextSerial at wrap boundary with no supplied = %d, want 1", got)
	}
}

func TestJournalSinceUnknownSerial(t *testing.T) {
	j := NewJournal()
	j.append(ixfr.NewDiffSequence(1, 2), time.Now().UTC())

	if _, ok := j.Since(99); ok {
		t.Errorf("Since() for an unretained serial should report false")
	}
}

func TestJournalSinceReturnsTail(t *testing.T) {
	j := NewJournal()
	j.append(ixfr.NewDiffSequence(1, 2), time.Now().UTC())
	j.append(ixfr.NewDiffSequence(2, 3), time.Now().UTC())
	j.append(ixfr.NewDiffSequence(3, 4), time.Now().UTC())

	diffs, ok := j.Since(2)
	if !ok {
		t.Fatalf("expected Since(2) to be covered")
	}
	if len(diffs) != 2 || diffs[0].StartSOASerial != 2 || diffs[1].StartSOASerial != 3 {
		t.Errorf("unexpected diff sequence tail: %+v", diffs)
	}
}

func TestJournalLatestSerial(t *testing.T) {
	j := NewJournal()
	if _, ok := j.LatestSerial(); ok {
		t.Errorf("empty journal should report ok=false")
	}
	j.append(ixfr.NewDiffSequence(1, 2), time.Now().UTC())
	j.append(ixfr.NewDiffSequence(2, 7), time.Now().UTC())
	serial, ok := j.LatestSerial()
	if !ok || serial != 7 {
		t.Errorf("LatestSerial() = (%d, %v), want (7, true)", serial, ok)
	}
}

func TestJournalEvictKeepsAtLeastOneCommit(t *testing.T) {
	j := NewJournal()
	old := time.Now().UTC().Add(-48 * time.Hour)
	j.commits = []journalCommit{
		{diff: ixfr.NewDiffSequence(1, 2), at: old},
	}
	j.evict(24 * time.Hour)
	if len(j.commits) != 1 {
		t.Errorf("evict must never empty the journal, got %d commits", len(j.commits))
	}
}

func TestJournalEvictDropsOldContiguous(t *testing.T) {
	j := NewJournal()
	now := time.Now().UTC()
	j.commits = []journalCommit{
		{diff: ixfr.NewDiffSequence(1, 2), at: now.Add(-48 * time.Hour)},
		{diff: ixfr.NewDiffSequence(2, 3), at: now.Add(-47 * time.Hour)},
		{diff: ixfr.NewDiffSequence(3, 4), at: now},
	}
	j.evict(24 * time.Hour)
	if len(j.commits) != 1 || j.commits[0].diff.StartSOASerial != 3 {
		t.Errorf("expected only the most recent commit retained, got %+v", j.commits)
	}
}
