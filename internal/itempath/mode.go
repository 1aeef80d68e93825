package itempath

import (
	"fmt"

	"github.com/openmined/syftvolume/internal/volerr"
)

// Mode states which kind of item an operation accepts. Existence queries take it
// explicitly instead of inferring intent from a trailing separator.
type Mode int

const (
	ModeEither Mode = iota
	ModeFile
	ModeDirectory
)

func (m Mode) String() string {
	switch m {
	case ModeFile:
		return "file"
	case ModeDirectory:
		return "directory"
	default:
		return "either"
	}
}

// ParseMode parses "file", "directory"/"dir" or "either".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "either":
		return ModeEither, nil
	case "file":
		return ModeFile, nil
	case "dir", "directory":
		return ModeDirectory, nil
	}
	return ModeEither, fmt.Errorf("unknown mode %q", s)
}

// Check rejects paths whose syntax contradicts the mode. A trailing separator is
// refused by file-only operations.
func (m Mode) Check(p ItemPath) error {
	if m == ModeFile && p.IsDir() {
		return volerr.New(volerr.KindInvalidArgument, "check", p.String(), "directory path given to a file-only operation")
	}
	return nil
}

// Matches reports whether an item with the given directory flag satisfies the mode.
func (m Mode) Matches(isDir bool) bool {
	switch m {
	case ModeFile:
		return !isDir
	case ModeDirectory:
		return isDir
	default:
		return true
	}
}

// ParseFor parses raw and checks it against mode in one step.
func ParseFor(raw string, mode Mode) (ItemPath, error) {
	p, err := Parse(raw)
	if err != nil {
		return ItemPath{}, err
	}
	if err := mode.Check(p); err != nil {
		return ItemPath{}, err
	}
	return p, nil
}
