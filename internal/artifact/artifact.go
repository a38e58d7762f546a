package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path"
	"regexp"
	"strings"
	"time"
)

// ErrNotFound is returned when an artifact does not exist
var ErrNotFound = errors.New("artifact not found")

// ErrInvalidName is returned for names that are not plain file names
var ErrInvalidName = errors.New("invalid artifact name")

// Info describes a stored artifact
type Info struct {
	Name        string
	ContentType string
	Size        int64
	URL         string
	CreatedAt   time.Time
}

// Store saves and serves artifacts
type Store interface {
	Save(ctx context.Context, name, contentType string, r io.Reader) (Info, error)
	Open(ctx context.Context, name string) (io.ReadCloser, Info, error)
	URL(name string) string
}

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,200}$`)

// ValidateName rejects anything but a plain file name
func ValidateName(name string) error {
	if !namePattern.MatchString(name) || strings.Contains(name, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// ContentTypeFor guesses a content type from the artifact extension
func ContentTypeFor(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".mp3":
		return "audio/mpeg"
	case ".wav":
		return "audio/wav"
	case ".ogg", ".opus":
		return "audio/ogg"
	case ".pcm":
		return "audio/pcm"
	}
	if ct := mime.TypeByExtension(path.Ext(name)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func joinURL(base, name string) string {
	if base == "" {
		return name
	}
	return strings.TrimRight(base, "/") + "/" + name
}
