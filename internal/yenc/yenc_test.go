package yenc

import (
	"bytes"
	"fmt"
	"hash/crc32"
	"strings"
	"testing"
)

// decode is a small test-only inverse of Encode, used to verify the
// round-trip property (S6) without depending on any particular decoder
// implementation.
func decode(t *testing.T, encoded []byte) []byte {
	t.Helper()

	var out []byte
	escaped := false
	for i := 0; i < len(encoded); i++ {
		b := encoded[i]
		if b == '\r' || b == '\n' {
			continue
		}
		if b == '=' && !escaped {
			escaped = true
			continue
		}
		if escaped {
			out = append(out, b-64-42)
			escaped = false
		} else {
			out = append(out, b-42)
		}
	}
	return out
}

func TestEncodeRoundTrip(t *testing.T) {
	data := make([]byte, 256*4)
	for i := range data {
		data[i] = byte(i % 256)
	}

	var buf bytes.Buffer
	crc, err := Encode(&buf, data, 128)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	if crc != crc32.ChecksumIEEE(data) {
		t.Fatalf("crc mismatch: got %08X want %08X", crc, crc32.ChecksumIEEE(data))
	}

	got := decode(t, buf.Bytes())
	if !bytes.Equal(got, data) {
		t.Fatalf("round trip mismatch: got %d bytes, want %d", len(got), len(data))
	}
}

func TestEncodeLineLength(t *testing.T) {
	data := bytes.Repeat([]byte{0x41}, 1000)

	var buf bytes.Buffer
	if _, err := Encode(&buf, data, 128); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	for _, line := range bytes.Split(buf.Bytes(), []byte("\r\n")) {
		if len(line) > 128 {
			t.Fatalf("line exceeds linelength: %d bytes: %q", len(line), line)
		}
	}
}

func TestEncodeEscapesCriticalBytes(t *testing.T) {
	// NUL, CR, LF, '=', leading '.', trailing TAB and SPACE. Each input
	// byte is chosen so that, after +42 (mod 256), it becomes the named
	// critical byte. With 5-column lines the '.' sits at column 0 and the
	// SPACE and TAB each reach the last column, where they are escaped
	// and wrapped onto the next line.
	data := []byte{'.' - 42, 0x00 + 256 - 42, ' ' + 256 - 42, '\r' + 256 - 42}
	data = append(data, '\t'+256-42, '\n'+256-42, '='-42)

	var buf bytes.Buffer
	if _, err := Encode(&buf, data, 5); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	out := buf.String()
	if !bytes.Contains([]byte(out), []byte("=")) {
		t.Fatalf("expected escape markers in output: %q", out)
	}

	got := decode(t, buf.Bytes())
	if !bytes.Equal(got, data) {
		t.Fatalf("round trip mismatch for critical bytes: got %v want %v", got, data)
	}
}

func TestEncodeNoLeadingDotAfterWrap(t *testing.T) {
	// Construct input whose shifted form would land a literal '.' or
	// whitespace exactly at column 0 of a wrapped line, and confirm the
	// escape still fires (i.e. wrapping happens before the byte that
	// would have been unescaped at the old position becomes column 0).
	lineLen := 3
	data := []byte{1, 2, 3, '.' - 42}

	var buf bytes.Buffer
	if _, err := Encode(&buf, data, lineLen); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	for _, line := range bytes.Split(buf.Bytes(), []byte("\r\n")) {
		if len(line) > 0 && line[0] == '.' {
			t.Fatalf("line begins with an unescaped '.': %q", buf.Bytes())
		}
	}

	got := decode(t, buf.Bytes())
	if !bytes.Equal(got, data) {
		t.Fatalf("round trip mismatch: got %v want %v", got, data)
	}
}

func TestWriteArticleBodyFraming(t *testing.T) {
	raw := bytes.Repeat([]byte{0x41}, 300)

	var buf bytes.Buffer
	crc, err := WriteArticleBody(&buf, PartHeader{
		Part:       2,
		TotalParts: 3,
		LineLength: 128,
		FileSize:   1_000_000,
		FileName:   "payload.bin",
		Begin:      400_001,
	}, raw)
	if err != nil {
		t.Fatalf("WriteArticleBody: %v", err)
	}
	if crc != crc32.ChecksumIEEE(raw) {
		t.Fatalf("crc mismatch: got %08X want %08X", crc, crc32.ChecksumIEEE(raw))
	}

	out := buf.String()
	if !strings.Contains(out, "=ybegin part=2 total=3 line=128 size=1000000 name=payload.bin\r\n") {
		t.Fatalf("missing or malformed =ybegin line: %q", out)
	}
	if !strings.Contains(out, "=ypart begin=400001 end=400300\r\n") {
		t.Fatalf("missing or malformed =ypart line: %q", out)
	}
	if !strings.Contains(out, fmt.Sprintf("=yend size=300 part=2 pcrc32=%08X\r\n", crc)) {
		t.Fatalf("missing or malformed =yend line: %q", out)
	}
}
