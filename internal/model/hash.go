package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity.
// The version suffix allows the algorithm to change without collisions.
const (
	DomainPayload  = "consist/payload/v1"
	DomainConflict = "consist/conflict/v1"
)

// hashWithDomain computes SHA256(domain || 0x00 || data).
// The null separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// PayloadDigest returns a stable fingerprint of a payload's canonical form.
func PayloadDigest(v Value) (string, error) {
	data, err := MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("payload digest: %w", err)
	}
	return hashWithDomain(DomainPayload, data), nil
}

// ConflictID derives the identity of a detected conflict from the entity and
// the divergent values. Detecting the same divergence twice yields the same
// ID, so an open conflict is never recorded twice.
func ConflictID(entityID string, values []FieldValue) (string, error) {
	arr := make(Array, len(values))
	for i, fv := range values {
		arr[i] = Object{
			"field":     String(fv.Field),
			"system":    String(fv.System),
			"timestamp": Int(fv.Timestamp.UnixNano()),
			"value":     fv.Value,
		}
	}
	data, err := MarshalCanonical(Object{
		"entity_id": String(entityID),
		"values":    arr,
	})
	if err != nil {
		return "", fmt.Errorf("conflict id: %w", err)
	}
	return "conflict-" + hashWithDomain(DomainConflict, data)[:16], nil
}
