// Package govern implements account credentialing and API-usage
// governance: registration/login/recovery (Authority and Recovery),
// API-key issuance (KeyRegistry), per-plan daily quota enforcement
// (Ledger), and all-time usage statistics (Accumulator).
//
// Persistence is pluggable through the Storage interface; see
// storage/memory, storage/redis, and storage/postgres for backends.
// Storage implementations own all atomicity: the ledger's daily reset,
// limit check, and increment execute as one transaction per account.
package govern
