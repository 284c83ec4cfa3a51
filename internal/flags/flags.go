// Package flags implements the compact encoding for message flags and the
// dual-truth merge between server state and local overrides.
//
// A message carries two flag words: the last confirmed server state (a Set)
// and a Local override word. Each flag occupies two bits in the override
// word: the low byte holds the override value, the high byte records whether
// the flag is overridden at all. The effective state picks the override bit
// where present and the server bit otherwise.
package flags

import "github.com/emersion/go-imap/v2"

// Set is a bitmask over the fixed message flags.
type Set uint8

const (
	Seen Set = 1 << iota
	Flagged
	Answered
	Draft
	Deleted
)

// All covers every representable flag.
const All = Seen | Flagged | Answered | Draft | Deleted

// Has reports whether every flag in f is set in s.
func (s Set) Has(f Set) bool {
	return s&f == f
}

// Local is the encoded per-flag override word: override values in the low
// byte, the override mask in the high byte. The zero value carries no
// overrides.
type Local uint16

// Encode packs override values and the mask of overridden flags.
// Value bits outside the mask are dropped.
func Encode(values, mask Set) Local {
	return Local(mask)<<8 | Local(values&mask)
}

// Decode splits an override word into its values and mask.
func (l Local) Decode() (values, mask Set) {
	return Set(l & 0xff), Set(l >> 8)
}

// Overrides returns the mask of flags currently overridden.
func (l Local) Overrides() Set {
	return Set(l >> 8)
}

// Patch layers a new override on top of an existing one. Flags in mask take
// the new values; flags outside mask keep their previous override state.
// Later patches win bit-by-bit, so two patches for the same flag collapse to
// the last submitted intent.
func (l Local) Patch(values, mask Set) Local {
	oldValues, oldMask := l.Decode()
	newMask := oldMask | mask
	newValues := (oldValues &^ mask) | (values & mask)
	return Encode(newValues, newMask)
}

// Clear removes the override for every flag in mask, leaving the rest
// untouched. Clearing a flag that is not overridden is a no-op.
func (l Local) Clear(mask Set) Local {
	values, m := l.Decode()
	m &^= mask
	return Encode(values&m, m)
}

// Effective merges the confirmed server state with this override word:
// overridden flags take the override value, all others the server value.
func (l Local) Effective(server Set) Set {
	values, mask := l.Decode()
	return (server &^ mask) | (values & mask)
}

// imapFlags maps each flag bit to its wire representation.
var imapFlags = []struct {
	bit  Set
	flag imap.Flag
}{
	{Seen, imap.FlagSeen},
	{Flagged, imap.FlagFlagged},
	{Answered, imap.FlagAnswered},
	{Draft, imap.FlagDraft},
	{Deleted, imap.FlagDeleted},
}

// FromIMAP converts wire flags to a Set, ignoring flags outside the fixed
// encoding (keywords, \Recent and friends).
func FromIMAP(fs []imap.Flag) Set {
	var s Set
	for _, f := range fs {
		for _, m := range imapFlags {
			if f == m.flag {
				s |= m.bit
			}
		}
	}
	return s
}

// ToIMAP converts a Set to wire flags.
func (s Set) ToIMAP() []imap.Flag {
	var out []imap.Flag
	for _, m := range imapFlags {
		if s.Has(m.bit) {
			out = append(out, m.flag)
		}
	}
	return out
}
