// Package memory stores hierarchical, versioned key/value entries with
// soft-delete and retention sweeps.
//
// Invariants:
//   - (namespace, key, version) is globally unique; versions only grow.
//   - Updates insert a new version; history is never overwritten.
//   - The current value is max(version) where is_deleted=false; a delete
//     marker at the top hides all older versions from Get.
//   - Only episodic entries are TTL-eligible.
package memory
