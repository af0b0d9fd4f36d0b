package sync

import (
	"bufio"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	mapset "github.com/deckarep/golang-set/v2"

	"github.com/openmined/themesync/internal/theme"
)

// WidenFunc is called the first time a pattern is widened to reach one level deeper.
type WidenFunc func(pattern, widened string)

// IgnoreFilter decides which keys take part in reconciliation. It is built
// from the ignore file plus the --only and --ignore globs.
type IgnoreFilter struct {
	only   []string
	ignore []string
	warned mapset.Set[string]
	onWide WidenFunc
}

// ReadIgnoreFile returns the pattern lines of the ignore file at root.
// Blank lines and # comments are skipped. A missing file yields no lines.
func ReadIgnoreFile(root string) ([]string, error) {
	ignorePath := filepath.Join(root, theme.IgnoreFileName)
	file, err := os.Open(ignorePath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	slog.Info("sync ignore file loaded", "path", ignorePath, "rules", len(lines))
	return lines, nil
}

// NewIgnoreFilter compiles a filter. Ignore file lines and ignoreGlobs are
// subtracted after onlyGlobs has been applied.
func NewIgnoreFilter(fileLines, onlyGlobs, ignoreGlobs []string) *IgnoreFilter {
	f := &IgnoreFilter{
		only:   compact(onlyGlobs),
		ignore: compact(append(append([]string{}, fileLines...), ignoreGlobs...)),
		warned: mapset.NewSet[string](),
	}
	f.onWide = func(pattern, widened string) {
		slog.Warn("sync ignore pattern does not include subdirectories, widened for compatibility",
			"pattern", pattern, "widened", widened)
	}
	return f
}

// OnWiden replaces the widening notification.
func (f *IgnoreFilter) OnWiden(fn WidenFunc) {
	f.onWide = fn
}

// Ignored reports whether key is excluded from reconciliation.
func (f *IgnoreFilter) Ignored(key string) bool {
	if f == nil {
		return false
	}
	if len(f.only) > 0 && !f.matchAny(key, f.only) {
		return true
	}
	return f.matchAny(key, f.ignore)
}

// Apply returns the checksums that are not ignored, preserving order.
func (f *IgnoreFilter) Apply(checksums []theme.Checksum) []theme.Checksum {
	out := make([]theme.Checksum, 0, len(checksums))
	for _, c := range checksums {
		if !f.Ignored(c.Key) {
			out = append(out, c)
		}
	}
	return out
}

func (f *IgnoreFilter) matchAny(key string, patterns []string) bool {
	for _, pattern := range patterns {
		if f.match(key, pattern) {
			return true
		}
	}
	return false
}

func (f *IgnoreFilter) match(key, pattern string) bool {
	if isRegexPattern(pattern) {
		return matchRegex(key, pattern[1:len(pattern)-1])
	}

	if matchGlob(key, pattern) {
		return true
	}

	widened, ok := widenPattern(pattern)
	if !ok || !matchGlob(key, widened) {
		return false
	}
	if f.warned.Add(pattern) && f.onWide != nil {
		f.onWide(pattern, widened)
	}
	return true
}

func isRegexPattern(pattern string) bool {
	return len(pattern) > 2 && strings.HasPrefix(pattern, "/") && strings.HasSuffix(pattern, "/")
}

func matchRegex(key, expr string) bool {
	re, err := regexp.Compile(expr)
	if err != nil {
		slog.Debug("sync ignore invalid regex", "pattern", expr, "error", err)
		return false
	}
	return re.MatchString(key)
}

// matchGlob matches one path segment per star. A pattern without a slash is
// matched against the base name of the key.
func matchGlob(key, pattern string) bool {
	pattern = strings.ReplaceAll(pattern, "**", "*")
	name := key
	if !strings.Contains(pattern, "/") {
		name = path.Base(key)
	}
	ok, err := doublestar.Match(pattern, name)
	if err != nil {
		return false
	}
	return ok
}

// widenPattern turns every `dir/*` segment into `dir/*/*` so the pattern
// also reaches files one directory deeper, the way older releases matched.
// Patterns that already use `**` are left alone.
func widenPattern(pattern string) (string, bool) {
	if !strings.Contains(pattern, "/*") || strings.Contains(pattern, "**") {
		return "", false
	}
	return strings.ReplaceAll(pattern, "/*", "/*/*"), true
}

func compact(patterns []string) []string {
	out := make([]string, 0, len(patterns))
	for _, p := range patterns {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
