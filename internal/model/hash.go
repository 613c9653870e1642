package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity. The version suffix allows
// a future algorithm migration without colliding with old ids.
const (
	domainRecord   = "canon/record/v1"
	domainSnapshot = "canon/snapshot/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data). The null separator
// prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// RecordID computes the content-addressed id of a source record. The id
// covers only the observation's content, never ingest-side bookkeeping like
// seq, so the same observation written twice (a redelivered message, a
// replayed ingest) produces the same id and the store's ON CONFLICT clause
// turns the second write into a no-op.
func RecordID(source, referenceID string, fields Map) (string, error) {
	obj := Map{
		"source":       String(source),
		"reference_id": String(referenceID),
		"fields":       fields,
	}

	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("RecordID: marshal: %w", err)
	}
	return hashWithDomain(domainRecord, canonical), nil
}

// SnapshotHash computes a stable digest of a materialized snapshot.
// Used by tests and the replay determinism check: two resolutions of the
// same ordered inputs must hash identically.
func SnapshotHash(snapshot Map) (string, error) {
	canonical, err := MarshalCanonical(snapshot)
	if err != nil {
		return "", fmt.Errorf("SnapshotHash: marshal: %w", err)
	}
	return hashWithDomain(domainSnapshot, canonical), nil
}

// MustRecordID is like RecordID but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustRecordID(source, referenceID string, fields Map) string {
	id, err := RecordID(source, referenceID, fields)
	if err != nil {
		panic(err)
	}
	return id
}
