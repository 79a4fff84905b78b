package storage

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// LocalFS keeps every location as a directory under a common root. In-progress
// uploads live under <root>/<location>/_uploads/<id>/data and are renamed into
// the content-addressed path on complete, same layout a filesystem registry
// uses.
type LocalFS struct {
	root      string
	locations []string
}

// NewLocalFS makes a driver rooted at dir with the given location names. The
// first location is preferred for new uploads.
func NewLocalFS(dir string, locations []string) (*LocalFS, error) {
	if len(locations) == 0 {
		return nil, errors.New("at least one storage location required")
	}
	for _, loc := range locations {
		if err := os.MkdirAll(filepath.Join(dir, loc, "_uploads"), 0o700); err != nil {
			return nil, errors.Wrapf(err, "failed to prepare location %s", loc)
		}
	}
	return &LocalFS{root: dir, locations: locations}, nil
}

// PreferredLocations returns the configured location names.
func (l *LocalFS) PreferredLocations() []string { return l.locations }

// InitiateChunkedUpload creates the upload scratch file. Metadata is the
// location the scratch file lives at.
func (l *LocalFS) InitiateChunkedUpload(_ context.Context, location string) (string, string, error) {
	idBytes := make([]byte, 16)
	if _, err := rand.Read(idBytes); err != nil {
		return "", "", errors.Wrap(err, "failed to generate upload id")
	}
	uploadID := hex.EncodeToString(idBytes)

	dir := l.uploadDir(location, uploadID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", "", errors.Wrap(err, "failed to create upload dir")
	}
	f, err := os.OpenFile(filepath.Join(dir, "data"), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return "", "", errors.Wrap(err, "failed to create upload scratch file")
	}
	_ = f.Close()
	return uploadID, location, nil
}

// StreamUploadChunk writes the chunk at offset into the scratch file.
func (l *LocalFS) StreamUploadChunk(_ context.Context, locations []string, uploadID string, offset, length int64, in io.Reader, metadata string) (int64, string, error) {
	location := metadata
	if location == "" && len(locations) > 0 {
		location = locations[0]
	}

	f, err := os.OpenFile(filepath.Join(l.uploadDir(location, uploadID), "data"), os.O_WRONLY, 0o600)
	if err != nil {
		return 0, metadata, errors.Wrap(err, "failed to open upload scratch file")
	}
	defer func() { _ = f.Close() }()

	if _, err = f.Seek(offset, io.SeekStart); err != nil {
		return 0, metadata, errors.Wrap(err, "failed to seek upload scratch file")
	}

	src := in
	if length >= 0 {
		src = io.LimitReader(in, length)
	}
	written, err := io.Copy(f, src)
	if err != nil {
		return written, metadata, errors.Wrap(err, "failed to write chunk")
	}
	return written, location, nil
}

// CancelChunkedUpload removes the scratch directory.
func (l *LocalFS) CancelChunkedUpload(_ context.Context, locations []string, uploadID, metadata string) error {
	location := metadata
	if location == "" && len(locations) > 0 {
		location = locations[0]
	}
	return os.RemoveAll(l.uploadDir(location, uploadID))
}

// CompleteChunkedUpload renames the scratch file into finalPath.
func (l *LocalFS) CompleteChunkedUpload(_ context.Context, locations []string, uploadID, finalPath, metadata string) error {
	location := metadata
	if location == "" && len(locations) > 0 {
		location = locations[0]
	}

	dst := filepath.Join(l.root, location, filepath.FromSlash(finalPath))
	if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
		return errors.Wrap(err, "failed to create content dir")
	}
	if err := os.Rename(filepath.Join(l.uploadDir(location, uploadID), "data"), dst); err != nil {
		return errors.Wrap(err, "failed to move upload into place")
	}
	return os.RemoveAll(l.uploadDir(location, uploadID))
}

// Exists probes the path at each location.
func (l *LocalFS) Exists(_ context.Context, locations []string, path string) (bool, error) {
	for _, loc := range locations {
		if _, err := os.Stat(filepath.Join(l.root, loc, filepath.FromSlash(path))); err == nil {
			return true, nil
		}
	}
	return false, nil
}

// Get opens the object from the first location holding it.
func (l *LocalFS) Get(_ context.Context, locations []string, path string) (io.ReadCloser, error) {
	for _, loc := range locations {
		f, err := os.Open(filepath.Join(l.root, loc, filepath.FromSlash(path)))
		if err == nil {
			return f, nil
		}
	}
	return nil, ErrObjectNotFound
}

// Put writes a whole object at one location.
func (l *LocalFS) Put(_ context.Context, location, path string, content []byte) error {
	dst := filepath.Join(l.root, location, filepath.FromSlash(path))
	if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
		return errors.Wrap(err, "failed to create content dir")
	}
	return os.WriteFile(dst, content, 0o600)
}

// CopyBetween copies the path from src to dst location.
func (l *LocalFS) CopyBetween(_ context.Context, path, srcLocation, dstLocation string) error {
	src, err := os.Open(filepath.Join(l.root, srcLocation, filepath.FromSlash(path)))
	if err != nil {
		return errors.Wrapf(err, "failed to open source %s at %s", path, srcLocation)
	}
	defer func() { _ = src.Close() }()

	dstPath := filepath.Join(l.root, dstLocation, filepath.FromSlash(path))
	if err = os.MkdirAll(filepath.Dir(dstPath), 0o700); err != nil {
		return errors.Wrap(err, "failed to create destination dir")
	}
	dst, err := os.OpenFile(dstPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return errors.Wrap(err, "failed to create destination file")
	}
	defer func() { _ = dst.Close() }()

	_, err = io.Copy(dst, src)
	return errors.Wrap(err, "failed to copy content between locations")
}

// Remove deletes the path from every location where it exists.
func (l *LocalFS) Remove(_ context.Context, locations []string, path string) error {
	removed := false
	for _, loc := range locations {
		p := filepath.Join(l.root, loc, filepath.FromSlash(path))
		if err := os.Remove(p); err == nil {
			removed = true
		} else if !os.IsNotExist(err) {
			return errors.Wrapf(err, "failed to remove %s at %s", path, loc)
		}
	}
	if !removed {
		return ErrObjectNotFound
	}
	return nil
}

func (l *LocalFS) uploadDir(location, uploadID string) string {
	return filepath.Join(l.root, location, "_uploads", uploadID)
}
