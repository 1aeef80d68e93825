package replica

import (
	"bufio"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/openmined/syftvolume/internal/utils"
	gitignore "github.com/sabhiram/go-gitignore"
)

// IgnoreFile holds user rules at the replica root, in gitignore syntax.
const IgnoreFile = "volumeignore"

var defaultIgnoreLines = []string{
	IgnoreFile,
	metadataDir + "/",
	"**/*" + ConflictMarker + "*",
	"*.tmp",
	".git",
	".DS_Store",
	"Thumbs.db",
	"Icon",
}

// IgnoreList decides which local paths never take part in sync.
type IgnoreList struct {
	baseDir string
	ignore  *gitignore.GitIgnore
}

func NewIgnoreList(baseDir string) *IgnoreList {
	return &IgnoreList{baseDir: baseDir}
}

// Load compiles the default rules plus any rules in IgnoreFile.
func (l *IgnoreList) Load() {
	lines := append([]string(nil), defaultIgnoreLines...)

	path := filepath.Join(l.baseDir, IgnoreFile)
	if utils.FileExists(path) {
		lines = append(lines, readRules(path)...)
	}

	l.ignore = gitignore.CompileIgnoreLines(lines...)
}

func readRules(path string) []string {
	file, err := os.Open(path)
	if err != nil {
		slog.Warn("open ignore file", "path", path, "error", err)
		return nil
	}
	defer file.Close()

	var rules []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			rules = append(rules, line)
		}
	}
	if err := scanner.Err(); err != nil {
		slog.Warn("read ignore file", "path", path, "error", err)
	}
	slog.Info("ignore rules loaded", "path", path, "rules", len(rules))
	return rules
}

// ShouldIgnore takes a slash separated key relative to the root.
func (l *IgnoreList) ShouldIgnore(key string) bool {
	if l.ignore == nil {
		l.Load()
	}
	return l.ignore.MatchesPath(key)
}
