// Package identify classifies captured stills and files the birds it finds
// in the species ledger.
//
// Calls are gated: at most one per MinInterval and at most MaxPerHour in any
// rolling hour. A gated submission returns the RateLimited verdict
// immediately and leaves the still on disk; nothing is queued for later.
package identify
