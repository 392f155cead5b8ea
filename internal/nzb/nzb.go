// Package nzb builds an NZB manifest for a completed posting run. The
// XML shape — Model/File/Segment with the message-id as chardata —
// mirrors the teacher's internal/nzb model one-for-one; this package
// just runs it in the opposite direction, as a writer rather than a
// parser, since a posting engine produces the manifest it itself wrote.
package nzb

import (
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

type model struct {
	XMLName xml.Name `xml:"nzb"`
	Meta    []meta   `xml:"head>meta"`
	Files   []file   `xml:"file"`
}

type meta struct {
	Type  string `xml:"type,attr"`
	Value string `xml:",chardata"`
}

type file struct {
	Subject  string    `xml:"subject,attr"`
	Poster   string    `xml:"poster,attr"`
	Date     int64     `xml:"date,attr"`
	Groups   []string  `xml:"groups>group"`
	Segments []segment `xml:"segments>segment"`
}

type segment struct {
	Number    int    `xml:"number,attr"`
	Bytes     int64  `xml:"bytes,attr"`
	MessageID string `xml:",chardata"`
}

// Builder accumulates files and segments and writes the resulting NZB
// document. It holds no file handles — WriteTo is the only place any
// I/O happens.
type Builder struct {
	meta  map[string]string
	files []file
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{meta: make(map[string]string)}
}

// SetMeta records a <head><meta type="..."> entry, e.g. "x_nzbpost_run_id".
func (b *Builder) SetMeta(key, value string) {
	b.meta[key] = value
}

// AddFile starts a new <file> entry and returns its index for use with
// AddSegment.
func (b *Builder) AddFile(subject, poster string, groups []string, date int64) int {
	b.files = append(b.files, file{
		Subject: subject,
		Poster:  poster,
		Date:    date,
		Groups:  append([]string(nil), groups...),
	})
	return len(b.files) - 1
}

// AddSegment appends a posted piece to fileIdx's segment list. messageID
// may include angle brackets; they are stripped before being written,
// since the NZB segment chardata convention omits them (spec.md §6).
func (b *Builder) AddSegment(fileIdx, number int, bytes int64, messageID string) error {
	if fileIdx < 0 || fileIdx >= len(b.files) {
		return fmt.Errorf("nzb: file index %d out of range", fileIdx)
	}
	stripped := strings.NewReplacer("<", "", ">", "").Replace(messageID)
	b.files[fileIdx].Segments = append(b.files[fileIdx].Segments, segment{
		Number:    number,
		Bytes:     bytes,
		MessageID: stripped,
	})
	return nil
}

// WriteTo serialises the accumulated files and segments as an NZB
// document, including the XML declaration and DOCTYPE the format
// expects.
func (b *Builder) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}

	header := `<?xml version="1.0" encoding="UTF-8"?>` + "\n" +
		`<!DOCTYPE nzb PUBLIC "-//newzBin//DTD NZB 1.1//EN" "http://www.newzbin.com/DTD/nzb/nzb-1.1.dtd">` + "\n"
	if _, err := io.WriteString(cw, header); err != nil {
		return cw.n, err
	}

	m := model{Files: b.files}
	for k, v := range b.meta {
		m.Meta = append(m.Meta, meta{Type: k, Value: v})
	}

	enc := xml.NewEncoder(cw)
	enc.Indent("", "  ")
	if err := enc.Encode(m); err != nil {
		return cw.n, fmt.Errorf("nzb: encode: %w", err)
	}
	if _, err := io.WriteString(cw, "\n"); err != nil {
		return cw.n, err
	}
	return cw.n, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
