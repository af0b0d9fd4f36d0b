package utils

import (
	"mime"
	"path"
	"strings"
)

// template sources are served as text regardless of the mime table
var textExtensions = map[string]string{
	".liquid": "text/x-liquid; charset=utf-8",
	".json":   "application/json",
	".scss":   "text/x-scss; charset=utf-8",
	".md":     "text/plain; charset=utf-8",
}

// DetectContentType guesses the content type of a theme asset from its key.
func DetectContentType(key string) string {
	ext := strings.ToLower(path.Ext(key))
	if ct, ok := textExtensions[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
