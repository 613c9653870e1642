// Package model defines the domain types shared across the canon engine:
// the constrained canonical value set, reference snapshots, source records,
// identity links, projection tasks, and the structured error taxonomy.
//
// # Determinism
//
// Materialization must be reproducible, so everything that feeds a decision
// or an identity is constrained:
//
//   - Values are a sealed set (Null, String, Int, Bool, List, Map);
//     there is no float type.
//   - Serialization for identity and storage is RFC 8785 canonical JSON
//     (UTF-16 sorted keys, NFC strings, no HTML escaping).
//   - Content-addressed ids use SHA-256 with domain separation.
//   - Ordering uses logical seq numbers; observed-at timestamps exist only
//     for replay window filtering, never for tie-breaking alone.
package model
