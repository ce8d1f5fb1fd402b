// Package server stores uploaded file attachments on disk and validates
// their type and size before they are relayed into a room.
package server

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// File store errors.
var (
	ErrFileRejected = errors.New("file type is not accepted")
	ErrFileTooLarge = errors.New("file exceeds the maximum upload size")
)

// allowedMimeTypes lists the content types accepted for upload.
var allowedMimeTypes = map[string]struct{}{
	"image/jpeg":      {},
	"image/png":       {},
	"image/gif":       {},
	"application/pdf": {},
	"text/plain":      {},
}

// FileStore persists uploaded attachments on local disk. Stored names are
// generated, never client-chosen, so a stored path cannot escape the upload
// directory.
type FileStore struct {
	dir     string
	maxSize int64
}

// NewFileStore creates the store, creating the upload directory if it does
// not exist.
func NewFileStore(dir string, maxSize int64) (*FileStore, error) {
	if maxSize <= 0 {
		maxSize = 5 << 20
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating upload directory: %w", err)
	}
	return &FileStore{dir: dir, maxSize: maxSize}, nil
}

// Dir returns the directory stored files are written to.
func (s *FileStore) Dir() string {
	return s.dir
}

// MaxSize returns the upload size cap in bytes.
func (s *FileStore) MaxSize() int64 {
	return s.maxSize
}

// Save validates and writes one uploaded file, returning a partially filled
// file record: type, username, and timestamp are assigned by the relay when
// the file enters a room's history.
func (s *FileStore) Save(header *multipart.FileHeader) (ChatRecord, error) {
	if header.Size > s.maxSize {
		return ChatRecord{}, ErrFileTooLarge
	}

	mimeType := header.Header.Get("Content-Type")
	if _, ok := allowedMimeTypes[mimeType]; !ok {
		return ChatRecord{}, ErrFileRejected
	}

	src, err := header.Open()
	if err != nil {
		return ChatRecord{}, fmt.Errorf("opening uploaded file: %w", err)
	}
	defer func() {
		_ = src.Close()
	}()

	storedName := uuid.NewString() + filepath.Ext(header.Filename)
	dst, err := os.Create(filepath.Join(s.dir, storedName))
	if err != nil {
		return ChatRecord{}, fmt.Errorf("creating stored file: %w", err)
	}

	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		_ = os.Remove(dst.Name())
		return ChatRecord{}, fmt.Errorf("writing stored file: %w", err)
	}
	if err := dst.Close(); err != nil {
		return ChatRecord{}, fmt.Errorf("closing stored file: %w", err)
	}

	return ChatRecord{
		Type:         RecordTypeFile,
		Filename:     storedName,
		OriginalName: header.Filename,
		Path:         "/uploads/" + storedName,
		MimeType:     mimeType,
		Size:         header.Size,
	}, nil
}

// Remove deletes a stored file by its generated name.
func (s *FileStore) Remove(storedName string) error {
	return os.Remove(filepath.Join(s.dir, filepath.Base(storedName)))
}
