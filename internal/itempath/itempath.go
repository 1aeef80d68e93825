package itempath

import (
	"fmt"
	"path"
	"strings"
	"unicode/utf8"

	"github.com/openmined/syftvolume/internal/volerr"
)

const (
	// Separator splits segments of an item path.
	Separator = "/"
	// MaxSegmentLength is the longest allowed segment, in characters.
	MaxSegmentLength = 255
)

// ItemPath is a validated, container relative path. The zero value is the container root.
// ItemPath is comparable; two paths are equal when their string forms are equal.
type ItemPath struct {
	key   string // segments joined by "/", never with a trailing separator
	isDir bool
}

// Root is the container root directory.
var Root = ItemPath{isDir: true}

// Parse validates raw and returns the item path it names.
// A trailing separator marks the path as a directory.
func Parse(raw string) (ItemPath, error) {
	if raw == "" {
		return ItemPath{}, invalid(raw, "path is empty")
	}
	if strings.HasPrefix(raw, Separator) {
		return ItemPath{}, invalid(raw, "path must be relative to the container")
	}

	isDir := strings.HasSuffix(raw, Separator)
	trimmed := strings.TrimSuffix(raw, Separator)
	if trimmed == "" {
		return ItemPath{}, invalid(raw, "path is empty")
	}

	for _, seg := range strings.Split(trimmed, Separator) {
		if err := validateSegment(seg); err != nil {
			return ItemPath{}, invalid(raw, err.Error())
		}
	}

	return ItemPath{key: trimmed, isDir: isDir}, nil
}

// MustParse is Parse that panics on invalid input.
func MustParse(raw string) ItemPath {
	p, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return p
}

func validateSegment(seg string) error {
	switch {
	case seg == "":
		return fmt.Errorf("empty segment")
	case utf8.RuneCountInString(seg) > MaxSegmentLength:
		return fmt.Errorf("segment longer than %d characters", MaxSegmentLength)
	case strings.HasPrefix(seg, "."):
		return fmt.Errorf("segment %q starts with '.'", seg)
	case strings.ContainsAny(seg, "/\\"):
		return fmt.Errorf("segment %q contains a path separator", seg)
	case strings.Contains(seg, ":"):
		return fmt.Errorf("segment %q contains ':'", seg)
	case strings.ContainsRune(seg, 0):
		return fmt.Errorf("segment contains NUL")
	}
	return nil
}

func invalid(raw, msg string) error {
	return volerr.New(volerr.KindInvalidArgument, "parse", raw, msg)
}

// String returns the canonical form, with a trailing separator for directories.
func (p ItemPath) String() string {
	if p.isDir && p.key != "" {
		return p.key + Separator
	}
	return p.key
}

// Key returns the path without any trailing separator. Index rows and blob keys use this form.
func (p ItemPath) Key() string { return p.key }

// IsDir reports whether the path refers to a directory.
func (p ItemPath) IsDir() bool { return p.isDir }

// IsRoot reports whether p is the container root.
func (p ItemPath) IsRoot() bool { return p.key == "" }

// Segments returns the path components.
func (p ItemPath) Segments() []string {
	if p.key == "" {
		return nil
	}
	return strings.Split(p.key, Separator)
}

// Base returns the last segment.
func (p ItemPath) Base() string {
	if p.key == "" {
		return ""
	}
	return path.Base(p.key)
}

// Parent returns the containing directory.
func (p ItemPath) Parent() ItemPath {
	idx := strings.LastIndex(p.key, Separator)
	if idx < 0 {
		return Root
	}
	return ItemPath{key: p.key[:idx], isDir: true}
}

// Join appends name, which must be a single valid segment, to a directory path.
func (p ItemPath) Join(name string, isDir bool) (ItemPath, error) {
	if err := validateSegment(name); err != nil {
		return ItemPath{}, invalid(name, err.Error())
	}
	if p.key == "" {
		return ItemPath{key: name, isDir: isDir}, nil
	}
	return ItemPath{key: p.key + Separator + name, isDir: isDir}, nil
}

// AsDir returns p with directory semantics.
func (p ItemPath) AsDir() ItemPath { return ItemPath{key: p.key, isDir: true} }

// AsFile returns p with file semantics.
func (p ItemPath) AsFile() ItemPath { return ItemPath{key: p.key, isDir: false} }

// Contains reports whether other equals p or lies beneath it.
func (p ItemPath) Contains(other ItemPath) bool {
	if p.key == "" {
		return true
	}
	return other.key == p.key || strings.HasPrefix(other.key, p.key+Separator)
}

// Rebase moves other from beneath p to beneath dest. other must be contained by p.
func (p ItemPath) Rebase(other, dest ItemPath) ItemPath {
	rest := strings.TrimPrefix(other.key, p.key)
	rest = strings.TrimPrefix(rest, Separator)
	switch {
	case rest == "":
		return ItemPath{key: dest.key, isDir: other.isDir}
	case dest.key == "":
		return ItemPath{key: rest, isDir: other.isDir}
	default:
		return ItemPath{key: dest.key + Separator + rest, isDir: other.isDir}
	}
}

// FromKey builds a path from an already validated index key.
func FromKey(key string, isDir bool) ItemPath {
	return ItemPath{key: strings.TrimSuffix(key, Separator), isDir: isDir}
}
