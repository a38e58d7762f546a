package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// LocalStore keeps artifacts in a directory served under urlPrefix
type LocalStore struct {
	dir       string
	urlPrefix string
}

// NewLocal creates a local store, creating dir if needed
func NewLocal(dir, urlPrefix string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory: %w", err)
	}
	return &LocalStore{dir: dir, urlPrefix: urlPrefix}, nil
}

// Save implements Store
func (s *LocalStore) Save(ctx context.Context, name, contentType string, r io.Reader) (Info, error) {
	if err := ValidateName(name); err != nil {
		return Info{}, err
	}

	tmp, err := os.CreateTemp(s.dir, "."+name+".*")
	if err != nil {
		return Info{}, fmt.Errorf("failed to create artifact: %w", err)
	}
	tmpName := tmp.Name()

	n, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: r})
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmpName)
		return Info{}, fmt.Errorf("failed to write artifact: %w", err)
	}

	if err := os.Rename(tmpName, filepath.Join(s.dir, name)); err != nil {
		os.Remove(tmpName)
		return Info{}, fmt.Errorf("failed to store artifact: %w", err)
	}

	if contentType == "" {
		contentType = ContentTypeFor(name)
	}
	info, _ := os.Stat(filepath.Join(s.dir, name))
	out := Info{Name: name, ContentType: contentType, Size: n, URL: s.URL(name)}
	if info != nil {
		out.CreatedAt = info.ModTime()
	}
	return out, nil
}

// Open implements Store
func (s *LocalStore) Open(ctx context.Context, name string) (io.ReadCloser, Info, error) {
	if err := ValidateName(name); err != nil {
		return nil, Info{}, err
	}

	f, err := os.Open(filepath.Join(s.dir, name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, Info{}, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, Info{}, err
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, Info{}, err
	}

	return f, Info{
		Name:        name,
		ContentType: ContentTypeFor(name),
		Size:        stat.Size(),
		URL:         s.URL(name),
		CreatedAt:   stat.ModTime(),
	}, nil
}

// URL implements Store
func (s *LocalStore) URL(name string) string {
	return joinURL(s.urlPrefix, name)
}

// ctxReader stops a copy once ctx is done
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
