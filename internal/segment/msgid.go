package segment

import (
	"fmt"
	"strconv"
	"strings"
)

// Key identifies a logical piece of a posting run — (fileIndex, pieceIndex)
// — stably across retries, even though a retry may re-mint the message-id
// itself with a fresh nonce.
type Key struct {
	FileIndex  int
	PieceIndex int
}

func (k Key) String() string {
	return fmt.Sprintf("%d.%d", k.FileIndex, k.PieceIndex)
}

// FormatMessageID builds the <nonce.fileIndex.pieceIndex@domain> message-id
// described in §6. The nonce may differ between the original post and a
// retry re-mint of the same Key.
func FormatMessageID(nonce, domain string, key Key) string {
	return fmt.Sprintf("<%s.%d.%d@%s>", nonce, key.FileIndex, key.PieceIndex, domain)
}

// ParseMessageID recovers the Key from a message-id produced by
// FormatMessageID, round-tripping §6's "the engine must recover
// (fileIndex, pieceIndex) from any msgid it generated" requirement. The
// angle brackets are optional on input; the "@domain" suffix is required.
func ParseMessageID(msgid string) (Key, error) {
	s := strings.TrimPrefix(msgid, "<")
	s = strings.TrimSuffix(s, ">")

	at := strings.LastIndexByte(s, '@')
	if at < 0 {
		return Key{}, fmt.Errorf("segment: message-id %q missing @domain", msgid)
	}
	local := s[:at]

	parts := strings.SplitN(local, ".", 2)
	if len(parts) != 2 {
		return Key{}, fmt.Errorf("segment: message-id %q missing nonce.file.piece local part", msgid)
	}

	// local is "nonce.fileIndex.pieceIndex"; the nonce itself never
	// contains a dot, so the two trailing dotted integers are the last
	// two dot-separated fields.
	fields := strings.Split(local, ".")
	if len(fields) < 3 {
		return Key{}, fmt.Errorf("segment: message-id %q does not have nonce.file.piece form", msgid)
	}

	fileIdx, err := strconv.Atoi(fields[len(fields)-2])
	if err != nil {
		return Key{}, fmt.Errorf("segment: message-id %q has non-numeric file index: %w", msgid, err)
	}
	pieceIdx, err := strconv.Atoi(fields[len(fields)-1])
	if err != nil {
		return Key{}, fmt.Errorf("segment: message-id %q has non-numeric piece index: %w", msgid, err)
	}

	return Key{FileIndex: fileIdx, PieceIndex: pieceIdx}, nil
}
