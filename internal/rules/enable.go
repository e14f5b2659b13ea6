package rules

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/dchest/safefile"
)

// SetEnabled rewrites path's !Enabled metadata line in place, atomically
// (the file is never left half-written, matching safefile's
// write-to-temp-then-rename guarantee — used here for the same reason
// the rest of the pack reaches for it: a config-adjacent file that must
// never be observed half-written by a concurrent reload).
func SetEnabled(path string, enabled bool) error {
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := safefile.Create(path, 0640)
	if err != nil {
		return err
	}
	defer out.Close()

	wrote := false
	scanner := bufio.NewScanner(in)
	w := bufio.NewWriter(out)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(strings.TrimSpace(line), "!Enabled") {
			fmt.Fprintf(w, "!Enabled: %t\n", enabled)
			wrote = true
			continue
		}
		fmt.Fprintln(w, line)
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	if !wrote {
		fmt.Fprintf(w, "!Enabled %t\n", enabled)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return out.Commit()
}

// Enable marks path's rule file enabled.
func Enable(path string) error { return SetEnabled(path, true) }

// Disable marks path's rule file disabled.
func Disable(path string) error { return SetEnabled(path, false) }
