package domain

// RecordSnapshot captures a record's prior state before a mutation is applied.
// The zero value is the "absent" sentinel, meaning the record did not exist at
// capture time. Snapshots never alias live store state: the record is cloned
// on capture and cloned again on read. Use AbsentSnapshot for "not present"
// rather than a defined snapshot of a zero Record.
type RecordSnapshot struct {
	defined bool
	record  Record
}

// SnapshotOf builds a defined snapshot holding a deep copy of the record.
func SnapshotOf(record Record) RecordSnapshot {
	return RecordSnapshot{defined: true, record: record.Clone()}
}

// AbsentSnapshot returns the sentinel for "record did not exist".
func AbsentSnapshot() RecordSnapshot {
	return RecordSnapshot{}
}

// Defined reports whether the snapshot holds a prior record state.
func (s RecordSnapshot) Defined() bool {
	return s.defined
}

// Record returns a deep copy of the captured state. The zero Record is
// returned for absent snapshots; callers must check Defined first.
func (s RecordSnapshot) Record() Record {
	if !s.defined {
		return Record{}
	}
	return s.record.Clone()
}
