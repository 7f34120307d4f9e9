package media

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"image"
	"mime"
	"net/http"
	"strings"

	// Decoders for image.DecodeConfig
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
)

// Info describes the content of one file.
type Info struct {
	MimeType string
	Size     int64
	Width    int
	Height   int
	Checksum string // SHA-256 hex digest
}

// Describe inspects data. A declared mime type wins over sniffing unless it is
// empty or generic.
func Describe(data []byte, declared string) Info {
	sum := sha256.Sum256(data)
	info := Info{
		MimeType: NormalizeMimeType(declared),
		Size:     int64(len(data)),
		Checksum: hex.EncodeToString(sum[:]),
	}
	if info.MimeType == "" || info.MimeType == "application/octet-stream" {
		info.MimeType = NormalizeMimeType(http.DetectContentType(data))
	}
	if strings.HasPrefix(info.MimeType, "image/") {
		if cfg, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
			info.Width = cfg.Width
			info.Height = cfg.Height
		}
	}
	return info
}

// NormalizeMimeType strips parameters and lowercases a mime type.
func NormalizeMimeType(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	if mt, _, err := mime.ParseMediaType(v); err == nil {
		return strings.ToLower(mt)
	}
	return strings.ToLower(v)
}

// Metadata is the generated metadata stored alongside each file.
type Metadata struct {
	File     string `json:"file"`
	Width    int    `json:"width,omitempty"`
	Height   int    `json:"height,omitempty"`
	FileSize int64  `json:"filesize"`
	MimeType string `json:"mime_type"`
}

// GenerateMetadata builds the metadata blob for a stored file.
func GenerateMetadata(key string, info Info) json.RawMessage {
	b, _ := json.Marshal(Metadata{
		File:     key,
		Width:    info.Width,
		Height:   info.Height,
		FileSize: info.Size,
		MimeType: info.MimeType,
	})
	return b
}

// Allowed reports whether mimeType is in the allow-list.
func Allowed(allowed []string, mimeType string) bool {
	mimeType = NormalizeMimeType(mimeType)
	for _, a := range allowed {
		if NormalizeMimeType(a) == mimeType {
			return true
		}
	}
	return false
}
