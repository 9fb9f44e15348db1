package ads

import (
	"hash/fnv"
	"strconv"
)

// Fingerprint identifies an ad's rendered content independent of its ID.
type Fingerprint uint64

func (f Fingerprint) String() string { return strconv.FormatUint(uint64(f), 16) }

// ParseFingerprint is the inverse of Fingerprint.String.
func ParseFingerprint(s string) (Fingerprint, error) {
	v, err := strconv.ParseUint(s, 16, 64)
	return Fingerprint(v), err
}

// FingerprintOf hashes title, body and link with a unit separator between
// them so that ("ab","c") and ("a","bc") differ.
func FingerprintOf(a Ad) Fingerprint {
	h := fnv.New64a()
	_, _ = h.Write([]byte(a.Title))
	_, _ = h.Write([]byte{0x1f})
	_, _ = h.Write([]byte(a.Body))
	_, _ = h.Write([]byte{0x1f})
	_, _ = h.Write([]byte(a.LinkURL))
	return Fingerprint(h.Sum64())
}
