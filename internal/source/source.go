// Package source opens the input file of a copy run.
package source

import (
	"bufio"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"

	"github.com/godmodedev/timescaledb-parallel-copy-lib/internal/copyerr"
)

// LookupEncoding resolves a character set name such as "windows-1251" or
// "latin1". An empty name or any UTF-8 alias returns nil (no decoding).
func LookupEncoding(name string) (encoding.Encoding, error) {
	if name == "" {
		return nil, nil
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, fmt.Errorf("unsupported encoding %q: %w", name, err)
	}
	if enc == unicode.UTF8 {
		return nil, nil
	}
	return enc, nil
}

// File is an opened input stream.
type File struct {
	io.Reader
	closers []io.Closer
	size    int64
}

// Size returns the on-disk size of the input in bytes.
func (f *File) Size() int64 {
	return f.size
}

// Close releases the underlying file and any decompressor.
func (f *File) Close() error {
	var first error
	for i := len(f.closers) - 1; i >= 0; i-- {
		if err := f.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Open opens path for sequential reading. Files ending in ".gz" are
// decompressed, and when charset is set the content is decoded to UTF-8.
func Open(path, charset string) (*File, error) {
	enc, err := LookupEncoding(charset)
	if err != nil {
		return nil, copyerr.New(copyerr.Config, err)
	}

	fh, err := os.Open(path)
	if err != nil {
		return nil, copyerr.New(copyerr.IO, fmt.Errorf("opening input: %w", err))
	}

	f := &File{closers: []io.Closer{fh}}
	if st, err := fh.Stat(); err == nil {
		f.size = st.Size()
	}

	var r io.Reader = bufio.NewReader(fh)
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(r)
		if err != nil {
			fh.Close()
			return nil, copyerr.New(copyerr.IO, fmt.Errorf("opening gzip input: %w", err))
		}
		f.closers = append(f.closers, gz)
		r = gz
	}
	if enc != nil {
		r = enc.NewDecoder().Reader(r)
	}
	f.Reader = r
	return f, nil
}
