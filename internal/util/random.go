package util

import (
	"math/rand/v2"
	"strings"

	"github.com/google/uuid"
)

// ID prefixes make log entries, runs and profiles distinguishable at a glance
// in logs and API responses.
const (
	MessageIDPrefix = "msg_"
	RunIDPrefix     = "run_"
	ProfileIDPrefix = "prof_"
)

// NewMessageID returns an ID for a delivery log entry.
func NewMessageID() string { return GenerateRandomID(MessageIDPrefix, 32) }

// NewRunID returns an ID for a job run ledger row.
func NewRunID() string { return GenerateRandomID(RunIDPrefix, 32) }

// NewProfileID returns an ID for a server profile.
func NewProfileID() string { return GenerateRandomID(ProfileIDPrefix, 16) }

// StableProfileID derives a profile ID from key, so reseeding the same
// profile updates its row instead of adding one.
func StableProfileID(key string) string {
	sum := uuid.NewSHA1(uuid.NameSpaceURL, []byte("smtp://"+key))
	return ProfileIDPrefix + strings.ReplaceAll(sum.String(), "-", "")[:16]
}

// GenerateRandomID returns "{prefix}{hex}" with hexLength random hex digits.
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// GenerateRandomHex returns length random lowercase hex digits. The IDs are
// identifiers, not secrets, so math/rand/v2 is sufficient.
func GenerateRandomHex(length int) string {
	if length <= 0 {
		return ""
	}

	const hexChars = "0123456789abcdef"
	var builder strings.Builder
	builder.Grow(length)
	for i := 0; i < length; i++ {
		builder.WriteByte(hexChars[rand.IntN(16)])
	}
	return builder.String()
}
