package theme

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"path"
	"strings"
	"time"
)

// Checksum is a remote or local fingerprint of an asset without its body.
type Checksum struct {
	Key      string `json:"key"`
	Checksum string `json:"checksum"`
}

func (c Checksum) String() string {
	return fmt.Sprintf("%s@%s", c.Key, c.Checksum)
}

// FileStats holds the on-disk stats of a materialized asset.
type FileStats struct {
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mtime"`
}

// Asset is a single theme file. Once materialized exactly one of Value or
// Attachment holds the body. An asset carrying only a checksum is lazy.
type Asset struct {
	Key        string     `json:"key"`
	Checksum   string     `json:"checksum"`
	Value      string     `json:"value,omitempty"`
	Attachment []byte     `json:"attachment,omitempty"`
	Stats      *FileStats `json:"stats,omitempty"`
}

// NewAsset builds a materialized asset from a body, picking value or
// attachment from the key's file type.
func NewAsset(key string, body []byte) *Asset {
	a := &Asset{Key: key, Checksum: ComputeChecksum(body)}
	if IsTextFile(key) {
		a.Value = string(body)
	} else {
		a.Attachment = body
	}
	return a
}

// EmptyChecksum is the checksum of a zero length body.
var EmptyChecksum = ComputeChecksum(nil)

// HasBody reports whether the asset carries content rather than only a checksum.
// An empty file is materialized even though both fields are zero.
func (a *Asset) HasBody() bool {
	return a.Value != "" || a.Attachment != nil || a.Checksum == EmptyChecksum
}

// Body returns the raw bytes of the asset.
func (a *Asset) Body() []byte {
	if a.Attachment != nil {
		return a.Attachment
	}
	return []byte(a.Value)
}

// ChecksumEntry strips the body.
func (a *Asset) ChecksumEntry() Checksum {
	return Checksum{Key: a.Key, Checksum: a.Checksum}
}

func (a *Asset) Clone() *Asset {
	if a == nil {
		return nil
	}
	c := *a
	if a.Attachment != nil {
		c.Attachment = append([]byte(nil), a.Attachment...)
	}
	if a.Stats != nil {
		s := *a.Stats
		c.Stats = &s
	}
	return &c
}

// ComputeChecksum returns the lowercase hex md5 of body, the same fingerprint
// object stores report as an ETag for single part uploads.
func ComputeChecksum(body []byte) string {
	sum := md5.Sum(body)
	return hex.EncodeToString(sum[:])
}

// IsJSON reports whether the key names a structured JSON asset.
func IsJSON(key string) bool {
	return strings.HasSuffix(key, ".json")
}

// FilterJSON keeps JSON keys, preserving order.
func FilterJSON(checksums []Checksum) []Checksum {
	out := make([]Checksum, 0, len(checksums))
	for _, c := range checksums {
		if IsJSON(c.Key) {
			out = append(out, c)
		}
	}
	return out
}

var textExtensions = map[string]bool{
	".liquid": true,
	".json":   true,
	".css":    true,
	".js":     true,
	".scss":   true,
	".sass":   true,
	".svg":    true,
	".txt":    true,
	".map":    true,
}

// IsTextFile reports whether the key is stored as a textual value.
// Everything else is a binary attachment.
func IsTextFile(key string) bool {
	return textExtensions[strings.ToLower(path.Ext(key))]
}

// KeyIndex maps keys to checksums.
func KeyIndex(checksums []Checksum) map[string]string {
	idx := make(map[string]string, len(checksums))
	for _, c := range checksums {
		idx[c.Key] = c.Checksum
	}
	return idx
}

// Keys returns the keys of a checksum list in order.
func Keys(checksums []Checksum) []string {
	keys := make([]string, len(checksums))
	for i, c := range checksums {
		keys[i] = c.Key
	}
	return keys
}
