package theme

import (
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

const (
	// IgnoreFileName is the ignore file read from the theme root.
	IgnoreFileName = ".shopifyignore"
	// StateDirName holds the lock file and the journal.
	StateDirName = ".themesync"
)

// Units are the top level directories that own assets.
var Units = []string{
	"assets",
	"blocks",
	"config",
	"layout",
	"locales",
	"sections",
	"snippets",
	"templates",
}

var requiredUnits = []string{"config", "layout", "sections", "templates"}

var directoryPatterns = []string{
	"assets/**/*.*",
	"config/**/*.json",
	"layout/**/*.liquid",
	"locales/**/*.json",
	"sections/**/*.{liquid,json}",
	"blocks/**/*.liquid",
	"snippets/**/*.liquid",
	"templates/**/*.{liquid,json}",
}

// DefaultIgnoreLines are gitignore style rules applied to every mount.
var DefaultIgnoreLines = []string{
	"**/.git",
	"**/.vscode",
	"**/.hg",
	"**/.bzr",
	"**/.svn",
	"**/_darcs",
	"**/CVS",
	"**/*.sublime-project",
	"**/*.sublime-workspace",
	"**/.DS_Store",
	"**/.sass-cache",
	"**/Thumbs.db",
	"**/desktop.ini",
	"**/config.yml",
	"**/node_modules/",
	".prettierrc.json",
	StateDirName + "/",
}

// IsUnit reports whether name is a top level asset directory.
func IsUnit(name string) bool {
	for _, u := range Units {
		if u == name {
			return true
		}
	}
	return false
}

// UnitOf returns the top level directory of a key, or "" for root files.
func UnitOf(key string) string {
	unit, _, found := strings.Cut(key, "/")
	if !found {
		return ""
	}
	return unit
}

// IsThemeFile reports whether a slash separated key belongs to a theme directory.
func IsThemeFile(key string) bool {
	for _, pattern := range directoryPatterns {
		if ok, _ := doublestar.Match(pattern, key); ok {
			return true
		}
	}
	return false
}

// HasRequiredDirectories reports whether root looks like a theme.
func HasRequiredDirectories(root string) bool {
	for _, dir := range requiredUnits {
		info, err := os.Stat(filepath.Join(root, dir))
		if err != nil || !info.IsDir() {
			return false
		}
	}
	return true
}

// priority classes, lower drains first
const (
	priorityConfig = iota * 10
	priorityLiquid
	priorityTemplateJSON
	priorityTemplateLiquid
	priorityLocale
	priorityAsset
	priorityOther
)

// TransferPriority orders keys so that settings land before the files that
// read them and static assets go last. Within a directory JSON goes before liquid.
func TransferPriority(key string) int {
	ext := path.Ext(key)
	switch UnitOf(key) {
	case "config":
		if path.Base(key) == "settings_schema.json" {
			return priorityConfig
		}
		return priorityConfig + 1
	case "layout", "sections", "blocks", "snippets":
		if ext == ".json" {
			return priorityLiquid
		}
		return priorityLiquid + 1
	case "templates":
		if ext == ".json" {
			return priorityTemplateJSON
		}
		return priorityTemplateLiquid
	case "locales":
		return priorityLocale
	case "assets":
		return priorityAsset
	default:
		return priorityOther
	}
}
