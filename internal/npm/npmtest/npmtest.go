// Package npmtest provides a scriptable stand-in for the npm executable.
package npmtest

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

// Script writes an executable shell script named npm into a temp directory
// and returns its path. body runs with the npm arguments as "$@"; every
// invocation is appended to a calls log read back by Calls.
//
// Tests using Script are skipped on windows.
func Script(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake npm requires a POSIX shell")
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "npm")
	log := filepath.Join(dir, "calls.log")

	content := "#!/bin/sh\n" +
		"echo \"$*\" >> '" + log + "'\n" +
		body + "\n"
	if err := os.WriteFile(path, []byte(content), 0o755); err != nil {
		t.Fatalf("writing fake npm: %v", err)
	}
	return path
}

// Calls returns the argument lists the fake npm at bin was invoked with.
func Calls(t *testing.T, bin string) []string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(filepath.Dir(bin), "calls.log"))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		t.Fatalf("reading calls log: %v", err)
	}
	return strings.Split(strings.TrimRight(string(data), "\n"), "\n")
}

// Outdated returns a script body answering `npm outdated --json` with
// payload and exit code 1, as npm does when anything is outdated.
func Outdated(payload string) string {
	return `if [ "$1" = "outdated" ]; then
cat <<'JSON'
` + payload + `
JSON
exit 1
fi`
}
