package dify

import "bytes"

// SniffImageFormat detects the image format from magic bytes, defaulting
// to png. Used to pick a filename extension and MIME type for uploads.
func SniffImageFormat(data []byte) string {
	switch {
	case bytes.HasPrefix(data, []byte{0xff, 0xd8, 0xff}):
		return "jpg"
	case bytes.HasPrefix(data, []byte("\x89PNG")):
		return "png"
	case bytes.HasPrefix(data, []byte("GIF")):
		return "gif"
	case bytes.HasPrefix(data, []byte("RIFF")) && len(data) >= 20 && bytes.Contains(data[:20], []byte("WEBP")):
		return "webp"
	default:
		return "png"
	}
}
