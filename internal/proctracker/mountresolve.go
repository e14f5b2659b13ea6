package proctracker

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// MountEntry is one row of /proc/<pid>/mountinfo, reduced to the two fields
// path resolution needs.
type MountEntry struct {
	Dest   string // mount point, in the namespace owning this mountinfo
	Source string // device/bind-mount source, as named by the kernel
}

// ParseMountInfo parses the mountinfo table format documented in
// proc(5): a fixed prefix of fields, a variable run of optional fields,
// a literal "-" separator, then filesystem type, mount source, and super
// options. Only Dest (field 5) and Source (the second field after the
// separator) are kept.
func ParseMountInfo(r io.Reader) ([]MountEntry, error) {
	var out []MountEntry
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 10 {
			continue // malformed row; skip rather than abort the whole table
		}
		dash := -1
		for i := 6; i < len(fields); i++ {
			if fields[i] == "-" {
				dash = i
				break
			}
		}
		if dash < 0 || dash+2 >= len(fields) {
			continue
		}
		out = append(out, MountEntry{
			Dest:   fields[4],
			Source: fields[dash+2],
		})
	}
	return out, scanner.Err()
}

// ReadMountInfo reads and parses /proc/<pid>/mountinfo.
func ReadMountInfo(pid int) ([]MountEntry, error) {
	f, err := os.Open("/proc/" + strconv.Itoa(pid) + "/mountinfo")
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseMountInfo(f)
}

// ResolveSourcePath maps filename (as seen from inside the namespace
// described by mounts) to its daemon-visible path, using longest
// mount-destination-prefix matching — the same algorithm as
// find_source_path in the original daemon's namespace resolver. The second
// return value is false when no mount covers filename.
func ResolveSourcePath(mounts []MountEntry, filename string) (string, bool) {
	var bestSource, bestDest string
	bestLen := -1
	for _, m := range mounts {
		if !hasPathPrefix(filename, m.Dest) {
			continue
		}
		l := len(splitPath(m.Dest))
		if l >= bestLen {
			bestLen = l
			bestSource = m.Source
			bestDest = m.Dest
		}
	}
	if bestLen < 0 {
		return "", false
	}
	rel := strings.TrimPrefix(filename, bestDest)
	rel = strings.TrimPrefix(rel, string(filepath.Separator))
	return filepath.Join(bestSource, rel), true
}

func hasPathPrefix(p, prefix string) bool {
	if prefix == "/" {
		return true
	}
	if !strings.HasPrefix(p, prefix) {
		return false
	}
	rest := p[len(prefix):]
	return rest == "" || rest[0] == '/'
}

func splitPath(p string) []string {
	var out []string
	for _, c := range strings.Split(p, "/") {
		if c != "" {
			out = append(out, c)
		}
	}
	return out
}
