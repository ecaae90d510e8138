// Package keylease coordinates shared API credentials across processes and
// hosts without a database.
//
// A lease is an exclusive, time-bounded claim on one credential, backed by
// atomic create-if-absent lease files. Candidate credentials are ranked by
// cached health probes and rotated round-robin within equal ranks so no key
// is starved. Raw credentials never leave the keyring file: everything else
// (lease files, health state) refers to keys by one-way fingerprint.
//
// Correctness model:
//   - same host, concurrent processes: O_EXCL lease creation arbitrates
//   - different hosts over a shared filesystem: expiry is the only reclaim
//     path, because remote liveness cannot be checked
//   - crashed local owners: a dead pid makes the lease reclaimable before
//     expiry
package keylease
