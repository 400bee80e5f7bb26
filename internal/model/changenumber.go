package model

import (
	"fmt"
	"strconv"
	"time"

	"github.com/devrev/pairdb/replication/internal/errors"
)

// ChangeNumberTokenLength is the length of the textual form of a ChangeNumber:
// 16 hex digits of timestamp, 8 of sequence number and 4 of replica id.
const ChangeNumberTokenLength = 28

// ChangeNumber is the logical clock value attached to every change.
// Ordering is by timestamp, then sequence number, then replica id.
type ChangeNumber struct {
	Timestamp uint64 `json:"ts" msgpack:"ts"`
	Seq       uint32 `json:"seq" msgpack:"seq"`
	ReplicaID uint16 `json:"rid" msgpack:"rid"`
}

// ZeroChangeNumber is used where a replica never produced a change.
var ZeroChangeNumber = ChangeNumber{}

// NewChangeNumber creates a ChangeNumber
func NewChangeNumber(timestamp uint64, seq uint32, replicaID uint16) ChangeNumber {
	return ChangeNumber{Timestamp: timestamp, Seq: seq, ReplicaID: replicaID}
}

// Compare returns -1, 0 or 1. Nil sorts before every change number.
func Compare(a, b *ChangeNumber) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	return a.CompareTo(*b)
}

// CompareTo compares two non-nil change numbers
func (c ChangeNumber) CompareTo(o ChangeNumber) int {
	switch {
	case c.Timestamp < o.Timestamp:
		return -1
	case c.Timestamp > o.Timestamp:
		return 1
	case c.Seq < o.Seq:
		return -1
	case c.Seq > o.Seq:
		return 1
	case c.ReplicaID < o.ReplicaID:
		return -1
	case c.ReplicaID > o.ReplicaID:
		return 1
	}
	return 0
}

// Equal reports whether o designates the same change. A nil o is never equal.
func (c ChangeNumber) Equal(o *ChangeNumber) bool {
	return o != nil && c == *o
}

// Older reports whether c happened before o. Nothing is older than nil.
func (c ChangeNumber) Older(o *ChangeNumber) bool {
	if o == nil {
		return false
	}
	return c.CompareTo(*o) < 0
}

// OlderOrEqual reports whether c happened before or is o.
func (c ChangeNumber) OlderOrEqual(o *ChangeNumber) bool {
	if o == nil {
		return false
	}
	return c.CompareTo(*o) <= 0
}

// Newer reports whether c happened after o. Everything is newer than nil.
func (c ChangeNumber) Newer(o *ChangeNumber) bool {
	if o == nil {
		return true
	}
	return c.CompareTo(*o) > 0
}

// NewerOrEqual reports whether c happened after or is o.
func (c ChangeNumber) NewerOrEqual(o *ChangeNumber) bool {
	if o == nil {
		return true
	}
	return c.CompareTo(*o) >= 0
}

// Time returns the wall clock part
func (c ChangeNumber) Time() time.Time {
	return time.UnixMilli(int64(c.Timestamp))
}

// Ptr returns a pointer to a copy of c
func (c ChangeNumber) Ptr() *ChangeNumber {
	return &c
}

// String returns the fixed width token. Lexicographic order of tokens
// matches the change number order.
func (c ChangeNumber) String() string {
	return fmt.Sprintf("%016x%08x%04x", c.Timestamp, c.Seq, c.ReplicaID)
}

// MarshalText implements encoding.TextMarshaler
func (c ChangeNumber) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (c *ChangeNumber) UnmarshalText(text []byte) error {
	parsed, err := ParseChangeNumber(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// ParseChangeNumber decodes the token produced by String.
func ParseChangeNumber(token string) (ChangeNumber, error) {
	if len(token) != ChangeNumberTokenLength {
		return ChangeNumber{}, errors.DecodeFailed(token,
			fmt.Sprintf("change number must be %d characters, got %d", ChangeNumberTokenLength, len(token)), nil)
	}

	ts, err := strconv.ParseUint(token[0:16], 16, 64)
	if err != nil {
		return ChangeNumber{}, errors.DecodeFailed(token, "invalid timestamp", err)
	}
	seq, err := strconv.ParseUint(token[16:24], 16, 32)
	if err != nil {
		return ChangeNumber{}, errors.DecodeFailed(token, "invalid sequence number", err)
	}
	rid, err := strconv.ParseUint(token[24:28], 16, 16)
	if err != nil {
		return ChangeNumber{}, errors.DecodeFailed(token, "invalid replica id", err)
	}

	return ChangeNumber{Timestamp: ts, Seq: uint32(seq), ReplicaID: uint16(rid)}, nil
}

// MaxChangeNumber returns the newer of a and b; nil only when both are nil.
func MaxChangeNumber(a, b *ChangeNumber) *ChangeNumber {
	if Compare(a, b) >= 0 {
		return a
	}
	return b
}
