package builtin

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/convoke-dev/convoke/internal/tool"
)

const maxGlobResults = 100

// ignoredDirs are directories skipped during traversal.
var ignoredDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	"vendor":       true,
	"__pycache__":  true,
	".cache":       true,
	"dist":         true,
	"build":        true,
}

// FileGlob returns the built-in file-matching tool. Supports ** for
// recursive matching; results are sorted by modification time, newest
// first.
func FileGlob() tool.Definition {
	return tool.Definition{
		Name:        "file_glob",
		Description: "Find files matching a glob pattern. Supports ** for recursive matching.",
		Source:      tool.SourceBuiltin,
		Params: map[string]tool.ParamSpec{
			"pattern": {
				Type:        "string",
				Description: "Glob pattern to match files (e.g. '**/*.go')",
				Required:    true,
			},
			"path": {
				Type:        "string",
				Description: "Base directory to search in. Default is the current directory.",
			},
		},
		Handler: globFiles,
	}
}

func globFiles(_ context.Context, args map[string]any) (string, error) {
	pattern, _ := args["pattern"].(string)

	basePath := "."
	if p, ok := args["path"].(string); ok && p != "" {
		basePath = p
	}
	if _, err := os.Stat(basePath); err != nil {
		return "", fmt.Errorf("path not found: %s", basePath)
	}

	type match struct {
		path    string
		modTime int64
	}
	var matches []match

	err := filepath.WalkDir(basePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if ignoredDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}

		rel, err := filepath.Rel(basePath, path)
		if err != nil {
			return nil
		}
		ok, err := doublestar.Match(pattern, filepath.ToSlash(rel))
		if err != nil {
			return fmt.Errorf("invalid pattern: %w", err)
		}
		if !ok {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}
		matches = append(matches, match{path: rel, modTime: info.ModTime().UnixNano()})
		return nil
	})
	if err != nil {
		return "", err
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].modTime > matches[j].modTime })
	if len(matches) > maxGlobResults {
		matches = matches[:maxGlobResults]
	}

	if len(matches) == 0 {
		return "no files matched", nil
	}

	paths := make([]string, len(matches))
	for i, m := range matches {
		paths[i] = m.path
	}
	return strings.Join(paths, "\n"), nil
}
