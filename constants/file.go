package constants

import "strings"

// AllowedExtensions holds the image extensions accepted for upload and hot-folder ingest.
var AllowedExtensions = map[string]struct{}{
	"png":  {},
	"jpg":  {},
	"jpeg": {},
	"gif":  {},
	"bmp":  {},
	"tif":  {},
	"tiff": {},
	"webp": {},
}

// Content written in place of extracted text.
const (
	PlaceholderOCRError = "[OCR ERROR]"
	PlaceholderNoText   = "[No text extracted]"
)

// Text file listing status values.
const (
	TextStatusAvailable = "Available"
	TextStatusMissing   = PlaceholderNoText
)

// NormalizeExt lowercases and trims the dot from a file extension.
func NormalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// IsAllowedExt reports whether the extension (with or without dot) is an accepted image type.
func IsAllowedExt(ext string) bool {
	_, ok := AllowedExtensions[NormalizeExt(ext)]
	return ok
}
