package upload

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"

	"github.com/pippellia-btc/blossom"
)

// File is the blob to upload. Its content is read once per attempt, from the start,
// so it must support concurrent reads (e.g. [bytes.Reader] or [os.File]).
type File struct {
	// Type is the MIME type of the file, sent as the "Content-Type" header.
	Type string

	// Size is the number of bytes of the file.
	Size int64

	Content io.ReaderAt
}

// FromBytes returns the file with the provided data.
// If mime is empty, the type is sniffed from the content.
func FromBytes(data []byte, mime string) File {
	if mime == "" {
		mime = http.DetectContentType(data)
	}
	return File{
		Type:    mime,
		Size:    int64(len(data)),
		Content: bytes.NewReader(data),
	}
}

// Open opens the file at the provided path. The type is derived from the extension,
// falling back to sniffing the first 512 bytes. Callers must close the returned [os.File].
func Open(path string) (File, *os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return File{}, nil, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return File{}, nil, err
	}
	if info.IsDir() {
		f.Close()
		return File{}, nil, fmt.Errorf("%s is a directory", path)
	}

	file := File{
		Type:    mime.TypeByExtension(filepath.Ext(path)),
		Size:    info.Size(),
		Content: f,
	}

	if file.Type == "" {
		head := make([]byte, 512)
		n, err := f.ReadAt(head, 0)
		if err != nil && !errors.Is(err, io.EOF) {
			f.Close()
			return File{}, nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		file.Type = http.DetectContentType(head[:n])
	}
	return file, f, nil
}

// Reader returns a new reader of the whole content.
func (f File) Reader() *io.SectionReader {
	return io.NewSectionReader(f.Content, 0, f.Size)
}

// Hash returns the SHA-256 of the content.
func (f File) Hash() (blossom.Hash, error) {
	h := sha256.New()
	n, err := io.Copy(h, f.Reader())
	if err != nil {
		return blossom.Hash{}, fmt.Errorf("failed to hash file: %w", err)
	}
	if n != f.Size {
		return blossom.Hash{}, fmt.Errorf("failed to hash file: read %d bytes, expected %d", n, f.Size)
	}

	var hash blossom.Hash
	copy(hash[:], h.Sum(nil))
	return hash, nil
}

func (f File) validate() error {
	if f.Content == nil {
		return errors.New("file has no content")
	}
	if f.Size < 0 {
		return errors.New("file size must not be negative")
	}
	return nil
}
