package utils

import (
	"mime"
	"path/filepath"
	"strings"
)

// textExts are served as utf-8 text even when the platform mime table disagrees.
var textExts = map[string]bool{
	".md":   true,
	".yaml": true,
	".yml":  true,
	".toml": true,
	".csv":  true,
	".log":  true,
}

// DetectContentType picks the Content-Type stored with an object.
func DetectContentType(key string) string {
	ext := strings.ToLower(filepath.Ext(key))
	if textExts[ext] {
		return "text/plain; charset=utf-8"
	}
	if mimeType := mime.TypeByExtension(ext); mimeType != "" {
		return mimeType
	}
	return "application/octet-stream"
}
