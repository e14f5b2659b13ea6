package rules

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/hollowcore/precached/internal/eventbus"
)

// LoadDir loads every rules.d/*.rules file under dir, matching the flat
// glob spec §4.10 names. A single bad file is reported but does not
// prevent the rest of the directory from loading.
func LoadDir(dir string) ([]*File, []error) {
	matches, err := doublestar.Glob(os.DirFS(dir), "*.rules")
	if err != nil {
		return nil, []error{err}
	}
	var files []*File
	var errs []error
	for _, m := range matches {
		f, err := ParseFilePath(filepath.Join(dir, m))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", m, err))
			continue
		}
		files = append(files, f)
	}
	return files, errs
}

// ParseFilePath opens and parses a single .rules file.
func ParseFilePath(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	rf, err := ParseFile(f)
	if err != nil {
		return nil, err
	}
	rf.Path = path
	return rf, nil
}

// ParseFile parses the metadata header and rule lines of r.
func ParseFile(r io.Reader) (*File, error) {
	rf := &File{Enabled: true}
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "!") {
			if err := applyMetadata(rf, line); err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNo, err)
			}
			continue
		}
		rule, err := parseRuleLine(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		rf.Rules = append(rf.Rules, *rule)
	}
	return rf, scanner.Err()
}

func applyMetadata(rf *File, line string) error {
	body := strings.TrimPrefix(line, "!")
	parts := strings.SplitN(body, " ", 2)
	if len(parts) != 2 {
		return fmt.Errorf("malformed metadata line %q", line)
	}
	key := strings.TrimSuffix(strings.TrimSpace(parts[0]), ":")
	val := strings.TrimSpace(parts[1])
	switch key {
	case "Version":
		rf.Version = val
	case "Enabled":
		b, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("!Enabled: %w", err)
		}
		rf.Enabled = b
	case "Name":
		rf.Name = val
	case "Description":
		rf.Description = val
	default:
		return fmt.Errorf("unknown metadata key %q", key)
	}
	return nil
}

func parseRuleLine(line string) (*Rule, error) {
	tokens, err := tokenize(line)
	if err != nil {
		return nil, err
	}
	if len(tokens) < 3 {
		return nil, fmt.Errorf("expected at least Event, Filter, Action, got %q", line)
	}
	action, ok := actionFromString(stripQuotes(tokens[2]))
	if !ok {
		return nil, fmt.Errorf("unknown action %q", tokens[2])
	}
	rule := &Rule{
		Event:  eventbus.Tag(stripQuotes(tokens[0])),
		Filter: stripQuotes(tokens[1]),
		Action: action,
		Params: map[string]string{},
	}
	if len(tokens) >= 4 {
		params, err := parseParams(tokens[3])
		if err != nil {
			return nil, err
		}
		rule.Params = params
	}
	return rule, nil
}

// tokenize splits a line on whitespace, except inside double-quoted spans
// where whitespace, commas, and colons are preserved verbatim (spec
// §4.10: "quoted strings preserve commas and colons"). Quote characters
// are kept in the returned tokens so that later quote-aware splitting
// (params on comma/colon) can still tell a literal separator from one
// that was inside quotes; callers that want the quotes gone call
// stripQuotes themselves once a token is known to be a single value.
func tokenize(line string) ([]string, error) {
	var tokens []string
	var cur strings.Builder
	inQuote := false
	haveToken := false

	flush := func() {
		if haveToken {
			tokens = append(tokens, cur.String())
			cur.Reset()
			haveToken = false
		}
	}

	for _, r := range line {
		switch {
		case r == '"':
			inQuote = !inQuote
			cur.WriteRune(r)
			haveToken = true
		case r == ' ' || r == '\t':
			if inQuote {
				cur.WriteRune(r)
			} else {
				flush()
			}
		default:
			cur.WriteRune(r)
			haveToken = true
		}
	}
	if inQuote {
		return nil, fmt.Errorf("unterminated quoted string in %q", line)
	}
	flush()
	return tokens, nil
}

// parseParams parses a "key:value,key:value" segment, respecting quoted
// values that may themselves contain commas or colons.
func parseParams(s string) (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range splitTopLevel(s, ',') {
		kv := splitTopLevel(pair, ':')
		if len(kv) != 2 {
			return nil, fmt.Errorf("malformed key:value pair %q", pair)
		}
		out[strings.TrimSpace(kv[0])] = strings.TrimSpace(stripQuotes(kv[1]))
	}
	return out, nil
}

// splitTopLevel splits s on sep, but ignores occurrences of sep inside a
// double-quoted span. When sep is ':' it splits on at most the first
// top-level occurrence; any other sep splits on every top-level occurrence.
func splitTopLevel(s string, sep rune) []string {
	var parts []string
	var cur strings.Builder
	inQuote := false
	splitOnce := sep == ':'
	split := false
	for _, r := range s {
		switch {
		case r == '"':
			inQuote = !inQuote
			cur.WriteRune(r)
		case r == sep && !inQuote && !(splitOnce && split):
			parts = append(parts, cur.String())
			cur.Reset()
			split = true
		default:
			cur.WriteRune(r)
		}
	}
	parts = append(parts, cur.String())
	return parts
}

func stripQuotes(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}
