package prospector

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"apollonia/internal/constants"
)

// companionStems are names that mark a file as belonging to whatever else
// sits in the same directory, regardless of the target's own name.
var companionStems = map[string]struct{}{
	"tracklist": {},
	"tracks":    {},
	"info":      {},
	"readme":    {},
	"notes":     {},
	"liner":     {},
	"cover":     {},
	"folder":    {},
	"playlist":  {},
	"cue":       {},
}

// Stem returns the file name without its final suffix. A leading dot is
// not a suffix separator and neither is a trailing one, so ".nfo" and
// "take." are their own stems.
func Stem(name string) string {
	i := strings.LastIndex(name, ".")
	if i > 0 && i < len(name)-1 {
		return name[:i]
	}
	return name
}

// IsNeighbor reports whether candidate looks like a companion of target,
// comparing stems only.
func IsNeighbor(targetStem, candidateStem string) bool {
	switch {
	case candidateStem == targetStem:
		return true
	case strings.Contains(candidateStem, targetStem) || strings.Contains(targetStem, candidateStem):
		return true
	}
	if _, ok := companionStems[strings.ToLower(candidateStem)]; ok {
		return true
	}
	return sharesPrefix([]rune(targetStem), []rune(candidateStem), constants.NeighborPrefixLength)
}

// sharesPrefix compares the first n characters, and only when target is
// longer than n characters.
func sharesPrefix(target, candidate []rune, n int) bool {
	if len(target) <= n || len(candidate) < n {
		return false
	}
	return string(target[:n]) == string(candidate[:n])
}

// findNeighbors lists regular files next to path that pass IsNeighbor.
// Directory order is kept; listing errors yield an empty result.
func findNeighbors(path string, limit int) []string {
	dir := filepath.Dir(path)
	self := filepath.Base(path)
	stem := Stem(self)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return []string{}
	}

	neighbors := make([]string, 0, limit)
	for _, entry := range entries {
		if len(neighbors) >= limit {
			break
		}
		name := entry.Name()
		if name == self {
			continue
		}
		full := filepath.Join(dir, name)
		if !isRegular(full, entry) {
			continue
		}
		if IsNeighbor(stem, Stem(name)) {
			neighbors = append(neighbors, full)
		}
	}
	return neighbors
}

// isRegular follows symlinks so a linked file counts but a linked directory does not
func isRegular(full string, entry fs.DirEntry) bool {
	if entry.Type().IsRegular() {
		return true
	}
	if entry.Type()&fs.ModeSymlink == 0 {
		return false
	}
	info, err := os.Stat(full)
	return err == nil && info.Mode().IsRegular()
}
