package domain

import (
	"reflect"
	"testing"
)

func TestAbsentSnapshotSentinel(t *testing.T) {
	snap := AbsentSnapshot()
	if snap.Defined() {
		t.Fatalf("absent snapshot reported defined")
	}
	if got := snap.Record(); !reflect.DeepEqual(got, Record{}) {
		t.Fatalf("absent snapshot returned non-zero record: %#v", got)
	}
}

func TestSnapshotDoesNotAliasSource(t *testing.T) {
	rec := Record{ID: "p1", Fields: map[string]any{"name": "Jane"}}
	snap := SnapshotOf(rec)
	rec.Fields["name"] = "mutated"
	if snap.Record().Fields["name"] != "Jane" {
		t.Fatalf("snapshot aliased source record")
	}
}

func TestSnapshotReadDoesNotExposeInternalState(t *testing.T) {
	snap := SnapshotOf(Record{ID: "p1", Fields: map[string]any{"name": "Jane"}})
	first := snap.Record()
	first.Fields["name"] = "mutated"
	if snap.Record().Fields["name"] != "Jane" {
		t.Fatalf("snapshot internal state mutated through accessor")
	}
}
