// Package ledger settles token charges for conversation turns and records
// credits for purchases, writing one append-only transaction per settlement.
package ledger
