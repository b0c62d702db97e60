package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// BlobStore keeps uploaded bytes and hands back a URL they can be fetched from.
type BlobStore interface {
	Put(ctx context.Context, key string, r io.Reader) (url string, err error)
	// Delete removes the blob stored under key. A missing blob is ErrNotFound.
	Delete(ctx context.Context, key string) error
}

// DirBlobStore writes blobs below a local directory. baseURL is the public
// prefix the directory is served under.
type DirBlobStore struct {
	dir     string
	baseURL string
}

func NewDirBlobStore(dir, baseURL string) (*DirBlobStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload dir: %w", err)
	}
	return &DirBlobStore{dir: dir, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

func (d *DirBlobStore) Dir() string { return d.dir }

// resolve maps key to a file below dir. Rooting the key before cleaning
// keeps it inside dir.
func (d *DirBlobStore) resolve(key string) (string, string, error) {
	clean := path.Clean("/" + key)[1:]
	if clean == "" {
		return "", "", fmt.Errorf("invalid blob key %q", key)
	}
	return clean, filepath.Join(d.dir, filepath.FromSlash(clean)), nil
}

func (d *DirBlobStore) Put(ctx context.Context, key string, r io.Reader) (string, error) {
	clean, target, err := d.resolve(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), ".upload-*")
	if err != nil {
		return "", err
	}
	_, err = io.Copy(tmp, &ctxReader{ctx: ctx, r: r})
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return d.baseURL + "/" + clean, nil
}

func (d *DirBlobStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, target, err := d.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
