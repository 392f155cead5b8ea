// Package yenc implements the yEnc binary-to-text encoding used to frame
// Usenet article bodies: each byte is shifted by 42 mod 256, a small
// critical set is escaped, and the result is wrapped to fixed-length
// lines. The encoding rules are ported from the original post2usenet
// encoder (src/yenc/yenc.cc) and checked against the teacher's decoder
// (internal/decoding/yenc.go) so the two are exact inverses.
package yenc

import (
	"bufio"
	"fmt"
	"hash/crc32"
	"io"
)

// DefaultLineLength is the line width post2usenet and most posting tools
// use by default.
const DefaultLineLength = 128

// needsEscaping reports whether the already-shifted byte b, sitting at
// column linepos of a line of the given length, must be escaped. NUL, CR,
// LF and '=' are always critical. TAB and SPACE are only critical at the
// first or last column of a line, and '.' only at the first column — a
// leading dot would otherwise collide with the NNTP end-of-body marker.
func needsEscaping(b byte, linepos, linelength int) bool {
	switch {
	case b == 0x00, b == '\r', b == '\n', b == '=':
		return true
	case (b == ' ' || b == '\t') && (linepos == 0 || linepos == linelength-1):
		return true
	case b == '.' && linepos == 0:
		return true
	default:
		return false
	}
}

// Encode writes the yEnc-escaped, line-wrapped representation of data to w,
// wrapping at lineLength output columns, and returns the IEEE CRC-32 of the
// raw (un-encoded) input — the convention §4.1 calls for in the =yend
// trailer.
func Encode(w io.Writer, data []byte, lineLength int) (uint32, error) {
	bw := bufio.NewWriter(w)

	linepos := 0
	for _, raw := range data {
		shifted := byte(raw + 42)

		// Peek whether this byte would need two columns; if only one
		// column remains on the line, wrap first rather than split the
		// escape pair across the CRLF.
		escape := needsEscaping(shifted, linepos, lineLength)
		width := 1
		if escape {
			width = 2
		}

		if linepos > 0 && linepos+width > lineLength {
			if _, err := bw.WriteString("\r\n"); err != nil {
				return 0, err
			}
			linepos = 0
			// Re-evaluate escaping now that we're back at column 0,
			// since the critical set depends on position.
			escape = needsEscaping(shifted, linepos, lineLength)
		}

		if escape {
			if err := bw.WriteByte('='); err != nil {
				return 0, err
			}
			if err := bw.WriteByte(shifted + 64); err != nil {
				return 0, err
			}
			linepos += 2
		} else {
			if err := bw.WriteByte(shifted); err != nil {
				return 0, err
			}
			linepos++
		}

		if linepos >= lineLength {
			if _, err := bw.WriteString("\r\n"); err != nil {
				return 0, err
			}
			linepos = 0
		}
	}

	if linepos > 0 {
		if _, err := bw.WriteString("\r\n"); err != nil {
			return 0, err
		}
	}

	if err := bw.Flush(); err != nil {
		return 0, err
	}

	return crc32.ChecksumIEEE(data), nil
}

// PartHeader is the per-article metadata that frames one yEnc part: the
// =ybegin/=ypart lines in front of the encoded bytes and the =yend
// trailer behind them (spec.md §4.1).
type PartHeader struct {
	Part       int    // 1-based piece number
	TotalParts int    // total pieces for this file
	LineLength int    // encoder line width
	FileSize   int64  // total size of the whole (un-split) file
	FileName   string // basename written into =ybegin
	Begin      int64  // 1-based inclusive offset of this part within the file
}

// WriteArticleBody writes the full =ybegin/=ypart/<encoded>/=yend framing
// for one part of raw bytes to w, per spec.md §4.1. It returns the
// IEEE CRC-32 of the raw (un-encoded) part, the same value written into
// the =yend trailer's pcrc32 field.
func WriteArticleBody(w io.Writer, hdr PartHeader, raw []byte) (uint32, error) {
	if _, err := fmt.Fprintf(w, "=ybegin part=%d total=%d line=%d size=%d name=%s\r\n",
		hdr.Part, hdr.TotalParts, hdr.LineLength, hdr.FileSize, hdr.FileName); err != nil {
		return 0, err
	}
	if _, err := fmt.Fprintf(w, "=ypart begin=%d end=%d\r\n",
		hdr.Begin, hdr.Begin+int64(len(raw))-1); err != nil {
		return 0, err
	}

	crc, err := Encode(w, raw, hdr.LineLength)
	if err != nil {
		return 0, err
	}

	if _, err := fmt.Fprintf(w, "=yend size=%d part=%d pcrc32=%08X\r\n",
		len(raw), hdr.Part, crc); err != nil {
		return 0, err
	}
	return crc, nil
}
