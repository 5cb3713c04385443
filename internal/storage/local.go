package storage

import (
	"alcyxob/course-portal/internal/domain"
	"context"
	"errors"
	"io"
	"os"
	"time"
)

// localStorage keeps assembled files where the reassembler wrote them.
type localStorage struct{}

// NewLocalStorage returns the "local" disk.
func NewLocalStorage() FileStorage {
	return localStorage{}
}

func (localStorage) Kind() string {
	return domain.DiskLocal
}

func (localStorage) Publish(ctx context.Context, key, localPath, contentType string) (string, error) {
	return localPath, nil
}

func (localStorage) Open(ctx context.Context, location string) (io.ReadCloser, int64, error) {
	f, err := os.Open(location)
	if err != nil {
		return nil, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, info.Size(), nil
}

func (localStorage) GeneratePresignedDownloadURL(ctx context.Context, location string, expires time.Duration) (string, error) {
	return "", ErrPresignUnsupported
}

func (localStorage) DeleteObject(ctx context.Context, location string) error {
	if err := os.Remove(location); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
