package models

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
)

// FileInfo is the immutable description of one file for the duration of a
// transfer. Hash is the whole-file content hash computed by the wire package.
type FileInfo struct {
	Name         string `json:"name"`
	Path         string `json:"path"`
	Size         int64  `json:"size"`
	ModifiedTime int64  `json:"modified_time"`
	Hash         uint32 `json:"hash"`
	MimeType     string `json:"mime_type"`
	IsDirectory  bool   `json:"is_directory"`
}

// NewFileInfo stats a local file and fills everything except Hash, which the
// caller computes from the file contents.
func NewFileInfo(path string) (FileInfo, error) {
	stat, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return FileInfo{}, NewKindError(ErrFileNotFound, "stat %q: %v", path, err)
		}
		if os.IsPermission(err) {
			return FileInfo{}, NewKindError(ErrFileAccessDenied, "stat %q: %v", path, err)
		}
		return FileInfo{}, fmt.Errorf("stat %q: %w", path, err)
	}

	name := filepath.Base(path)
	return FileInfo{
		Name:         name,
		Path:         path,
		Size:         stat.Size(),
		ModifiedTime: stat.ModTime().UnixMilli(),
		MimeType:     mime.TypeByExtension(strings.ToLower(filepath.Ext(name))),
		IsDirectory:  stat.IsDir(),
	}, nil
}
