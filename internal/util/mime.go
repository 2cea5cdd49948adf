// Package util holds small cross-cutting helpers with no natural home in a
// single layer package.
package util

import (
	"mime"
	"net/http"
	"os"
)

// DetectFileMimeAndExt sniffs a file's MIME type and a standard extension
// for it, defaulting to ("application/octet-stream", ".bin") if detection
// fails.
func DetectFileMimeAndExt(path string) (string, string) {
	mimeType := "application/octet-stream"
	if f, err := os.Open(path); err == nil {
		defer f.Close()
		buf := make([]byte, 512)
		if n, err := f.Read(buf); err == nil && n > 0 {
			mimeType = http.DetectContentType(buf[:n])
		}
	}
	return mimeType, mimeToExt(mimeType)
}

func mimeToExt(mimeType string) string {
	exts, err := mime.ExtensionsByType(mimeType)
	if err != nil || len(exts) == 0 {
		return ".bin"
	}
	return exts[0]
}
