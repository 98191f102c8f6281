// Package model defines the data model shared by every component of the
// consistency engine: versioned records, resource pools and allocations,
// transaction and operation states, rollback log entries and conflict
// records.
//
// Payloads are built from a small sealed set of value types (Value). Floats
// are deliberately absent so that every payload has exactly one canonical
// encoding: MarshalCanonical emits RFC 8785 JSON with NFC-normalized
// strings, and Equal compares those bytes. Subsystems that disagree only in
// key order or Unicode normalization therefore hold equal values.
package model
