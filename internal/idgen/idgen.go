// Package idgen provides cryptographically random, prefixed entity IDs.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

// Entity prefixes.
const (
	PrefixOrder    = "ord_"
	PrefixRelease  = "rel_"
	PrefixDispute  = "dsp_"
	PrefixEvidence = "evd_"
	PrefixRuling   = "rul_"
	PrefixLedgerTx = "ltx_"
	PrefixHold     = "hold_"
)

// WithPrefix generates a random ID with a prefix.
// Result is prefix + 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	return prefix + Hex(12)
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}

func Order() string    { return WithPrefix(PrefixOrder) }
func Release() string  { return WithPrefix(PrefixRelease) }
func Dispute() string  { return WithPrefix(PrefixDispute) }
func Evidence() string { return WithPrefix(PrefixEvidence) }
func Ruling() string   { return WithPrefix(PrefixRuling) }
func LedgerTx() string { return WithPrefix(PrefixLedgerTx) }
func Hold() string     { return WithPrefix(PrefixHold) }
