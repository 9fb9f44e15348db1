// Package admission decides whether a tenant may send right now.
//
// Ledger enforces cooldown, daily and weekly limits per tenant. DedupGuard
// blocks the same ad or the same content from reaching a destination twice
// within a retention window.
package admission
