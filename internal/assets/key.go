package assets

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	"path/filepath"
	"strings"
)

// Key is the deterministic cache identifier of an asset.
type Key string

const staticPrefix = "static:"

// Static reports whether the key names bundled bytes rather than a URL.
func (k Key) Static() bool {
	return strings.HasPrefix(string(k), staticPrefix)
}

// Source is where an asset comes from: a URL, or bytes shipped with the
// application under a stable name.
type Source struct {
	URL  string
	Name string
	Data []byte
}

func URL(u string) Source {
	return Source{URL: u}
}

func Static(name string, data []byte) Source {
	return Source{Name: name, Data: data}
}

func (s Source) static() bool {
	return s.Data != nil
}

func (s Source) String() string {
	if s.static() {
		return staticPrefix + s.Name
	}
	return s.URL
}

// Key hashes a URL with SHA-256; static sources are keyed by name.
func (s Source) Key() Key {
	if s.static() {
		return Key(staticPrefix + s.Name)
	}
	sum := sha256.Sum256([]byte(s.URL))
	return Key(hex.EncodeToString(sum[:]))
}

// Size is a requested pixel size. A zero dimension is derived from the
// other one, keeping the aspect ratio.
type Size struct {
	W, H int
}

func (s *Size) String() string {
	if s == nil {
		return "original"
	}
	return fmt.Sprintf("%dx%d", s.W, s.H)
}

type State int

const (
	Pending State = iota
	Ready
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Entry is a snapshot of one cache entry.
type Entry struct {
	Key   Key
	State State
	Image *image.RGBA
	Err   error
	Path  string
}

// path returns <root>/<hash[0:2]>/<hash>, or "" for static keys.
func path(root string, k Key) string {
	if k.Static() || len(k) < 2 {
		return ""
	}
	return filepath.Join(root, string(k[:2]), string(k))
}
