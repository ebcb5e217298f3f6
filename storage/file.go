package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/ruteri/wallet-provisioning-backend/interfaces"
)

const passFileSuffix = ".json"

// FilePassStore implements a pass library on the local file system.
// Each pass is one JSON document named after its serial number.
type FilePassStore struct {
	baseDir     string
	log         *slog.Logger
	locationURI string
}

// NewFilePassStore creates a file pass store rooted at baseDir, creating the
// directory if it doesn't exist.
func NewFilePassStore(baseDir string, log *slog.Logger) (*FilePassStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &FilePassStore{
		baseDir:     baseDir,
		log:         log,
		locationURI: fmt.Sprintf("file://%s", baseDir),
	}, nil
}

// Put writes the pass atomically through a temporary file.
func (b *FilePassStore) Put(ctx context.Context, pass interfaces.ProvisionedPass) error {
	data, err := encodePass(pass)
	if err != nil {
		return err
	}

	filePath := b.getFilePath(pass.SerialNumber)
	tmp, err := os.CreateTemp(b.baseDir, ".pass-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}
	if err := os.Rename(tmp.Name(), filePath); err != nil {
		return fmt.Errorf("failed to rename file: %w", err)
	}

	b.log.Debug("Stored pass in file",
		slog.String("path", filePath),
		slog.String("serialNumber", pass.SerialNumber))
	return nil
}

// List reads every pass document in the base directory.
func (b *FilePassStore) List(ctx context.Context) ([]interfaces.ProvisionedPass, error) {
	entries, err := os.ReadDir(b.baseDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}

	passes := make([]interfaces.ProvisionedPass, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, passFileSuffix) {
			continue
		}

		data, err := os.ReadFile(filepath.Join(b.baseDir, name))
		if errors.Is(err, fs.ErrNotExist) {
			// Removed concurrently.
			continue
		} else if err != nil {
			return nil, fmt.Errorf("failed to read file: %w", err)
		}

		pass, err := decodePass(data)
		if err != nil {
			b.log.Warn("Skipping malformed pass file", slog.String("file", name), "err", err)
			continue
		}
		passes = append(passes, pass)
	}
	return passes, nil
}

// Delete removes the pass file.
func (b *FilePassStore) Delete(ctx context.Context, serialNumber string) error {
	if err := validateSerial(serialNumber); err != nil {
		return err
	}

	err := os.Remove(b.getFilePath(serialNumber))
	if errors.Is(err, fs.ErrNotExist) {
		return interfaces.ErrPassNotFound
	} else if err != nil {
		return fmt.Errorf("failed to remove file: %w", err)
	}

	b.log.Debug("Removed pass file", slog.String("serialNumber", serialNumber))
	return nil
}

// Available checks if the file backend is accessible by verifying the base directory exists.
func (b *FilePassStore) Available(ctx context.Context) bool {
	_, err := os.Stat(b.baseDir)
	if err != nil {
		b.log.Debug("File backend unavailable", "err", err)
		return false
	}
	return true
}

// Name returns a unique identifier for this storage backend.
func (b *FilePassStore) Name() string {
	return fmt.Sprintf("file-%s", filepath.Base(b.baseDir))
}

// LocationURI returns the URI that identifies this storage backend.
func (b *FilePassStore) LocationURI() string {
	return b.locationURI
}

func (b *FilePassStore) getFilePath(serialNumber string) string {
	return filepath.Join(b.baseDir, serialNumber+passFileSuffix)
}
