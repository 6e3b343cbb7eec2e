// Package signer computes and validates HMAC-SHA256 signatures over the
// exact byte payloads that cross the wire, plus the freshness and
// source-address checks receivers use against replayed or spoofed calls.
package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/netip"
	"strings"
	"time"

	"github.com/hooksmith/hooksmith/internal/domain"
)

// DefaultMaxAge is the replay window for timestamped payloads.
const DefaultMaxAge = 300 * time.Second

// Sign returns the hex HMAC-SHA256 of payload under secret. The payload must
// be the exact byte sequence transmitted — never a re-serialization — so the
// verifier sees byte-identical input.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a hex signature against the payload using a constant-time
// comparison. A missing secret is an operator error, reported separately
// from a plain verification failure.
func Verify(payload []byte, providedHex, secret string) (bool, error) {
	if secret == "" {
		return false, domain.ErrMissingSecret
	}

	provided, err := hex.DecodeString(strings.TrimPrefix(providedHex, "sha256="))
	if err != nil {
		return false, nil
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), provided), nil
}

// VerifyTimestamp reports whether ts is within maxAge of now, in either
// direction. Zero maxAge means the default 300s replay window.
func VerifyTimestamp(ts time.Time, maxAge time.Duration) bool {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	diff := time.Since(ts)
	if diff < 0 {
		diff = -diff
	}
	return diff <= maxAge
}

// VerifySourceIP reports whether remote matches an allow rule, which is
// either a literal IP or a CIDR like "10.0.0.0/8".
func VerifySourceIP(remote, rule string) bool {
	addr, err := netip.ParseAddr(remote)
	if err != nil {
		return false
	}

	if strings.Contains(rule, "/") {
		prefix, err := netip.ParsePrefix(rule)
		if err != nil {
			return false
		}
		return prefix.Contains(addr.Unmap())
	}

	ruleAddr, err := netip.ParseAddr(rule)
	if err != nil {
		return false
	}
	return addr.Unmap() == ruleAddr.Unmap()
}
