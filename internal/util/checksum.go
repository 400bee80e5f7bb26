package util

import (
	"bytes"
	"fmt"
	"hash/crc32"
	"strconv"
)

var crc32Table = crc32.MakeTable(crc32.IEEE)

// ComputeChecksum computes a CRC32 (IEEE) checksum
func ComputeChecksum(data []byte) uint32 {
	return crc32.Checksum(data, crc32Table)
}

// ValidateChecksum validates data against an expected checksum
func ValidateChecksum(data []byte, expected uint32) bool {
	return ComputeChecksum(data) == expected
}

// FrameLine prefixes payload with its checksum for line oriented files.
// Format: <8 hex digits checksum> <payload>\n. Payload must not contain a newline.
func FrameLine(payload []byte) []byte {
	line := make([]byte, 0, len(payload)+10)
	line = fmt.Appendf(line, "%08x ", ComputeChecksum(payload))
	line = append(line, payload...)
	return append(line, '\n')
}

// ParseLine returns the payload of a framed line, without trailing newline.
// ok is false when the line is truncated or the checksum does not match.
func ParseLine(line []byte) (payload []byte, ok bool) {
	line = bytes.TrimSuffix(line, []byte{'\n'})
	if len(line) < 9 || line[8] != ' ' {
		return nil, false
	}
	sum, err := strconv.ParseUint(string(line[:8]), 16, 32)
	if err != nil {
		return nil, false
	}
	payload = line[9:]
	if !ValidateChecksum(payload, uint32(sum)) {
		return nil, false
	}
	return payload, true
}
