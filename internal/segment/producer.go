// Package segment lazily splits input files into fixed-size pieces,
// yEnc-encodes each piece, and synthesises the per-piece Article (header +
// framed payload) the posting engine sends to a server. It never loads an
// entire file into memory — only the slice needed for one piece — mirroring
// the original post2usenet yencgenerator's single-part read (fileset.cc /
// util/yencgenerator.cc), reimplemented with os.File.ReadAt so a Producer
// holds no per-file read cursor and pieces may be produced out of order or
// concurrently.
package segment

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nzbpost/nzbpost/internal/yenc"
)

// FileInfo describes one input file discovered by internal/walk.
type FileInfo struct {
	Path string
	Size int64
}

func (f FileInfo) baseName() string { return filepath.Base(f.Path) }

// Header is the RFC 3977 header block written ahead of an article's body.
type Header struct {
	From       string
	Subject    string
	MessageID  string
	Newsgroups []string
	Extra      map[string]string
}

// Article is one posted unit: a header plus an ordered list of payload
// byte chunks. The payload is never mutated by the engine so the same
// Article value can be resent unchanged on retry.
type Article struct {
	Header  Header
	Payload [][]byte
	Key     Key
}

// PayloadSize returns the total size in bytes of all payload chunks —
// this is the "size" the NZB manifest records for the segment.
func (a Article) PayloadSize() int64 {
	var n int64
	for _, p := range a.Payload {
		n += int64(len(p))
	}
	return n
}

// Config parameterises a Producer. It is the subset of PostConfig the
// producer needs; the rest (server list, timeouts, ...) belongs to the
// engine and CLI layers.
type Config struct {
	Files      []FileInfo
	ArticleSize int64
	Subject     string
	Groups      []string
	From        string
	Nonce       string
	Domain      string
	LineLength  int
}

// Producer lazily produces Articles for a Config's files.
type Producer struct {
	cfg Config
}

func New(cfg Config) *Producer {
	if cfg.LineLength == 0 {
		cfg.LineLength = yenc.DefaultLineLength
	}
	if cfg.Domain == "" {
		cfg.Domain = "post2usenet"
	}
	return &Producer{cfg: cfg}
}

// NumFiles returns the number of files in this run.
func (p *Producer) NumFiles() int { return len(p.cfg.Files) }

// NumPieces returns the number of pieces file fileIndex is split into.
func (p *Producer) NumPieces(fileIndex int) int {
	size := p.cfg.Files[fileIndex].Size
	pieces := size / p.cfg.ArticleSize
	if size%p.cfg.ArticleSize != 0 || size == 0 {
		pieces++
	}
	return int(pieces)
}

// TotalPieces returns the sum of NumPieces across every file.
func (p *Producer) TotalPieces() int {
	total := 0
	for i := range p.cfg.Files {
		total += p.NumPieces(i)
	}
	return total
}

// Subject returns the per-article subject line for (fileIndex, pieceIndex),
// matching §4.2's "<subject> [i+1/F] - "<basename>" yEnc (p+1/P)" form.
func (p *Producer) Subject(fileIndex, pieceIndex int) string {
	f := p.cfg.Files[fileIndex]
	return fmt.Sprintf("%s [%d/%d] - %q yEnc (%d/%d)",
		p.cfg.Subject, fileIndex+1, len(p.cfg.Files), f.baseName(),
		pieceIndex+1, p.NumPieces(fileIndex))
}

// Article produces the Article for (fileIndex, pieceIndex), reading only
// that piece's slice of the underlying file. nonce overrides the
// producer's configured nonce, allowing a retry handler to re-mint a
// message-id for a retry without re-deriving the rest of the article.
func (p *Producer) Article(fileIndex, pieceIndex int, nonce string) (Article, error) {
	f := p.cfg.Files[fileIndex]
	if nonce == "" {
		nonce = p.cfg.Nonce
	}

	key := Key{FileIndex: fileIndex, PieceIndex: pieceIndex}

	offset := int64(pieceIndex) * p.cfg.ArticleSize
	want := p.cfg.ArticleSize
	if remaining := f.Size - offset; remaining < want {
		want = remaining
	}
	if want < 0 {
		want = 0
	}

	buf := make([]byte, want)
	if want > 0 {
		fh, err := os.Open(f.Path)
		if err != nil {
			return Article{}, fmt.Errorf("segment: open %s: %w", f.Path, err)
		}
		defer fh.Close()

		if _, err := fh.ReadAt(buf, offset); err != nil {
			return Article{}, fmt.Errorf("segment: read piece %d of %s: %w", pieceIndex, f.Path, err)
		}
	}

	body, err := frameArticleBody(buf, f, pieceIndex, p.NumPieces(fileIndex), offset, p.cfg.LineLength)
	if err != nil {
		return Article{}, err
	}

	msgid := FormatMessageID(nonce, p.cfg.Domain, key)

	return Article{
		Header: Header{
			From:       p.cfg.From,
			Subject:    p.Subject(fileIndex, pieceIndex),
			MessageID:  msgid,
			Newsgroups: p.cfg.Groups,
		},
		Payload: [][]byte{body},
		Key:     key,
	}, nil
}

// frameArticleBody wraps raw with the =ybegin/=ypart/<encoded>/=yend
// framing §4.1 specifies, delegating the actual framing to
// yenc.WriteArticleBody.
func frameArticleBody(raw []byte, f FileInfo, pieceIndex, totalPieces int, offset int64, lineLength int) ([]byte, error) {
	var buf bytes.Buffer

	hdr := yenc.PartHeader{
		Part:       pieceIndex + 1,
		TotalParts: totalPieces,
		LineLength: lineLength,
		FileSize:   f.Size,
		FileName:   f.baseName(),
		Begin:      offset + 1,
	}
	if _, err := yenc.WriteArticleBody(&buf, hdr, raw); err != nil {
		return nil, fmt.Errorf("segment: yenc encode piece %d of %s: %w", pieceIndex, f.Path, err)
	}

	return buf.Bytes(), nil
}
