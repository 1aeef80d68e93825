package replica

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/openmined/syftvolume/internal/utils"
)

// ConflictMarker is inserted before the extension of a file set aside during
// conflict resolution, e.g. "notes.txt" becomes "notes.conflict.txt".
const ConflictMarker = ".conflict"

const rotationFormat = "20060102150405"

var markerRegex = regexp.MustCompile(regexp.QuoteMeta(ConflictMarker) + `(\.\d{14})?`)

// SetConflictMarker renames path to its marked name and returns the new path.
// An existing marked file is rotated aside with a timestamp first.
func SetConflictMarker(path string) (string, error) {
	if !utils.FileExists(path) {
		return "", fmt.Errorf("cannot mark file: source file does not exist: %s", path)
	}

	marked := asMarkedPath(path)
	if utils.FileExists(marked) {
		rotated := asRotatedPath(marked, time.Now())
		if err := os.Rename(marked, rotated); err != nil {
			return "", fmt.Errorf("rotate %s to %s: %w", marked, rotated, err)
		}
		slog.Debug("rotated conflict marker", "from", marked, "to", rotated)
	}

	if err := os.Rename(path, marked); err != nil {
		return "", fmt.Errorf("mark %s: %w", path, err)
	}
	return marked, nil
}

// IsMarkedPath reports whether path carries a conflict marker.
func IsMarkedPath(path string) bool {
	return markerRegex.MatchString(path)
}

// UnmarkedPath strips conflict markers and rotation timestamps.
func UnmarkedPath(path string) string {
	return markerRegex.ReplaceAllString(path, "")
}

// MarkedFiles lists the marked file of path first, then its rotations newest first.
func MarkedFiles(path string) []string {
	if IsMarkedPath(path) {
		path = UnmarkedPath(path)
	}
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)

	matches, err := filepath.Glob(base + ConflictMarker + "*" + ext)
	if err != nil {
		slog.Error("glob marked files", "path", path, "error", err)
		return nil
	}
	// glob sorts rotations before the live marker
	for i, j := 0, len(matches)-1; i < j; i, j = i+1, j-1 {
		matches[i], matches[j] = matches[j], matches[i]
	}
	return matches
}

func asMarkedPath(path string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + ConflictMarker + ext
}

func asRotatedPath(path string, t time.Time) string {
	ext := filepath.Ext(path)
	return fmt.Sprintf("%s.%s%s", strings.TrimSuffix(path, ext), t.Format(rotationFormat), ext)
}
