package catalog

import (
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"frontdesk/internal/domain"
)

// MediaSource resolves a media name to bytes. Unavailability is reported as
// ok=false, never as an error.
type MediaSource interface {
	Open(name string) (media domain.Media, ok bool)
}

// DirSource serves media files from a single directory.
type DirSource struct {
	dir    string
	logger *slog.Logger
}

func NewDirSource(dir string, logger *slog.Logger) *DirSource {
	return &DirSource{dir: dir, logger: logger}
}

func (s *DirSource) Open(name string) (domain.Media, bool) {
	clean := filepath.Clean("/" + name)[1:]
	if clean == "" || strings.HasPrefix(clean, "..") {
		s.logger.Warn("rejected media name", "name", name)
		return domain.Media{}, false
	}

	path := filepath.Join(s.dir, clean)
	data, err := os.ReadFile(path)
	if err != nil {
		s.logger.Warn("media unavailable", "name", name, "path", path, "err", err)
		return domain.Media{}, false
	}
	if len(data) == 0 {
		s.logger.Warn("media file is empty", "name", name, "path", path)
		return domain.Media{}, false
	}

	mimeType := mime.TypeByExtension(filepath.Ext(clean))
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	return domain.Media{
		Name:     name,
		FileName: filepath.Base(clean),
		MimeType: mimeType,
		Data:     data,
	}, true
}

// MapSource is an in-memory MediaSource, handy for tests and the console channel.
type MapSource map[string]domain.Media

func (m MapSource) Open(name string) (domain.Media, bool) {
	media, ok := m[name]
	return media, ok
}
