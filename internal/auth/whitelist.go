// Package auth decides which chat users may submit reports.
package auth

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// whitelistFile is the on-disk shape shared by whitelist.json and
// whitelist.yaml.
type whitelistFile struct {
	IDs       []any    `json:"ids" yaml:"ids"`
	Usernames []string `json:"usernames" yaml:"usernames"`
}

// Whitelist is an immutable set of allowed user ids and handles.
type Whitelist struct {
	ids     map[int64]struct{}
	handles map[string]struct{}
}

// Load reads the whitelist at path. A missing or malformed file yields an
// empty whitelist that denies everyone; the error is logged, not returned.
func Load(path string, logger *logrus.Logger) *Whitelist {
	wl, err := LoadFile(path)
	if err != nil {
		logger.WithError(err).WithFields(logrus.Fields{
			"component": "auth",
			"path":      path,
		}).Error("whitelist unavailable, denying all submissions")
		return Empty()
	}
	ids, handles := wl.Size()
	logger.WithFields(logrus.Fields{
		"component": "auth",
		"path":      path,
		"ids":       ids,
		"handles":   handles,
	}).Info("whitelist loaded")
	return wl
}

// LoadFile is Load without the deny-all fallback.
func LoadFile(path string) (*Whitelist, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read whitelist: %w", err)
	}
	return Parse(data)
}

// Parse decodes whitelist content. A JSON object is read with JSON rules, so
// a repeated key keeps its last value; anything else is read as YAML. ids may
// be integers or digit-only strings; other entries are skipped.
func Parse(data []byte) (*Whitelist, error) {
	file, err := decodeFile(data)
	if err != nil {
		return nil, fmt.Errorf("parse whitelist: %w", err)
	}
	wl := Empty()
	for _, raw := range file.IDs {
		if id, ok := parseID(raw); ok {
			wl.ids[id] = struct{}{}
		}
	}
	for _, name := range file.Usernames {
		if h := normalizeHandle(name); h != "" {
			wl.handles[h] = struct{}{}
		}
	}
	return wl, nil
}

func decodeFile(data []byte) (whitelistFile, error) {
	var file whitelistFile
	trimmed := bytes.TrimLeft(bytes.TrimPrefix(data, []byte("\xef\xbb\xbf")), " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '{' {
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.UseNumber()
		if err := dec.Decode(&file); err == nil {
			return file, nil
		}
		// YAML flow mappings such as {ids: [1]} also start with a brace.
		file = whitelistFile{}
	}
	err := yaml.Unmarshal(data, &file)
	return file, err
}

// Empty returns a whitelist that allows nobody.
func Empty() *Whitelist {
	return &Whitelist{
		ids:     make(map[int64]struct{}),
		handles: make(map[string]struct{}),
	}
}

// IsAllowed reports whether userID is listed or handle matches a listed
// username case-insensitively. An empty handle never matches.
func (w *Whitelist) IsAllowed(userID int64, handle string) bool {
	if _, ok := w.ids[userID]; ok {
		return true
	}
	h := normalizeHandle(handle)
	if h == "" {
		return false
	}
	_, ok := w.handles[h]
	return ok
}

// Size returns the number of listed ids and handles.
func (w *Whitelist) Size() (ids, handles int) {
	return len(w.ids), len(w.handles)
}

func normalizeHandle(handle string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(handle), "@"))
}

func parseID(raw any) (int64, bool) {
	switch v := raw.(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case uint64:
		return int64(v), v <= 1<<63-1
	case json.Number:
		id, err := v.Int64()
		return id, err == nil
	case string:
		v = strings.TrimSpace(v)
		if v == "" || strings.TrimLeft(v, "0123456789") != "" {
			return 0, false
		}
		id, err := strconv.ParseInt(v, 10, 64)
		return id, err == nil
	default:
		return 0, false
	}
}
