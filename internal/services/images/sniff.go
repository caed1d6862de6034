package images

import (
	"bytes"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// sniff decodes the image header and returns the registered format name.
func sniff(data []byte) (string, error) {
	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	return format, nil
}

func contentType(format string) string {
	switch format {
	case "jpeg", "png", "gif", "bmp", "tiff", "webp":
		return "image/" + format
	}
	return "application/octet-stream"
}
