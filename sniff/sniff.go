// Package sniff infers the content type of a byte stream from its leading
// bytes, using the magic number matchers of github.com/h2non/filetype.
//
// Only binary formats are recognized. Text is never guessed at, so plain text
// is reported as DefaultType like any other unrecognized content.
package sniff

import (
	"bufio"
	"io"

	"github.com/h2non/filetype"
)

// DefaultType is reported when no signature matches.
const DefaultType = "application/octet-stream"

// PrefixLen is the number of leading bytes the matchers need to see. The
// longest signature is the tar magic at offset 257.
const PrefixLen = 262

// Detect returns the content type for data whose leading bytes are prefix,
// or DefaultType. A prefix shorter than PrefixLen is fine if the data is
// itself that short.
func Detect(prefix []byte) string {
	if len(prefix) > PrefixLen {
		prefix = prefix[:PrefixLen]
	}
	kind, err := filetype.Match(prefix)
	if err != nil || kind == filetype.Unknown || kind.MIME.Value == "" {
		return DefaultType
	}
	return kind.MIME.Value
}

type readCloser struct {
	io.Reader
	io.Closer
}

// Reader peeks at the first PrefixLen bytes of rc to detect its content type.
// The returned stream yields all bytes of rc, including the peeked ones, and
// closing it closes rc. On error, rc is left for the caller to close.
func Reader(rc io.ReadCloser) (io.ReadCloser, string, error) {
	br := bufio.NewReaderSize(rc, PrefixLen)
	prefix, err := br.Peek(PrefixLen)
	if err != nil && err != io.EOF {
		return nil, "", err
	}
	return readCloser{Reader: br, Closer: rc}, Detect(prefix), nil
}
