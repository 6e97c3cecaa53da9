package upload

import (
	"bytes"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
)

// Source is a re-readable handle to the original media. Open may be called
// any number of times; each call starts from the first byte. Recovery relies
// on this to resubmit a file after the engine lost its copy.
type Source interface {
	Name() string
	Size() int64
	Open() (io.ReadCloser, error)
}

type fileHeaderSource struct {
	fh *multipart.FileHeader
}

// FromFileHeader wraps a parsed multipart upload.
func FromFileHeader(fh *multipart.FileHeader) Source {
	return fileHeaderSource{fh: fh}
}

func (s fileHeaderSource) Name() string { return filepath.Base(s.fh.Filename) }
func (s fileHeaderSource) Size() int64  { return s.fh.Size }
func (s fileHeaderSource) Open() (io.ReadCloser, error) {
	return s.fh.Open()
}

type pathSource struct {
	path string
	size int64
}

// FromPath stats a local file and returns a Source over it.
func FromPath(path string) (Source, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	return pathSource{path: path, size: fi.Size()}, nil
}

func (s pathSource) Name() string { return filepath.Base(s.path) }
func (s pathSource) Size() int64  { return s.size }
func (s pathSource) Open() (io.ReadCloser, error) {
	return os.Open(s.path)
}

type bytesSource struct {
	name string
	data []byte
}

// FromBytes serves an in-memory buffer.
func FromBytes(name string, data []byte) Source {
	return bytesSource{name: name, data: data}
}

func (s bytesSource) Name() string { return s.name }
func (s bytesSource) Size() int64  { return int64(len(s.data)) }
func (s bytesSource) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(s.data)), nil
}
