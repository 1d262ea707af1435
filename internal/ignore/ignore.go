// Package ignore reads the gitignore-style file that excludes directories
// from a workspace scan.
package ignore

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// FileName is the ignore file looked up at the workspace root.
const FileName = ".depdeckignore"

// Load returns the patterns of root's ignore file, converted to doublestar
// patterns matched against slash separated directory paths relative to root.
// A missing file yields no patterns.
func Load(root string) ([]string, error) {
	file, err := os.Open(filepath.Join(root, FileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	var patterns []string
	seen := make(map[string]bool)
	scanner := bufio.NewScanner(file)

	for n := 1; scanner.Scan(); n++ {
		pattern := parseLine(scanner.Text())
		if pattern == "" || seen[pattern] {
			continue
		}
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("%s:%d: invalid pattern %q", FileName, n, scanner.Text())
		}
		seen[pattern] = true
		patterns = append(patterns, pattern)
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return patterns, nil
}

// parseLine converts one ignore file line. Comments, blank lines and
// negations yield "".
func parseLine(line string) string {
	line = strings.TrimRight(line, " \t")
	if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "!") {
		return ""
	}
	return toGlobPattern(line)
}

// toGlobPattern converts a gitignore pattern to a directory glob.
//
//	legacy      -> **/legacy
//	/legacy     -> legacy
//	apps/old/   -> apps/old
//	**/tmp-*    -> **/tmp-*
func toGlobPattern(pattern string) string {
	pattern = strings.TrimSuffix(pattern, "/")

	// A leading slash anchors the pattern at the root.
	if anchored, ok := strings.CutPrefix(pattern, "/"); ok {
		return anchored
	}

	// Without a slash the pattern matches at any depth.
	if !strings.Contains(pattern, "/") {
		return "**/" + pattern
	}
	return pattern
}
