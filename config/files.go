package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
)

// resolve returns the config files at path. direct signifies if this is the
// path specified by the user, versus one found by recursing into it; only the
// latter is filtered by extension.
func resolve(path string, direct bool) ([]string, error) {
	i, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	if !i.IsDir() {
		if !direct && !isYAML(path) {
			return nil, nil
		}
		ap, err := filepath.Abs(path)
		if err != nil {
			return nil, err
		}
		return []string{ap}, nil
	}

	names, err := readDirNames(path)
	if err != nil {
		return nil, fmt.Errorf("problem while reading directory %s: %w", path, err)
	}

	var files []string
	for _, name := range names {
		f, err := resolve(filepath.Join(path, name), false)
		if err != nil {
			return nil, err
		}
		files = append(files, f...)
	}
	return files, nil
}

func isYAML(path string) bool {
	ext := filepath.Ext(path)
	return ext == ".yaml" || ext == ".yml"
}

func readDirNames(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	names, err := f.Readdirnames(-1)
	f.Close()
	if err != nil {
		return nil, err
	}

	slices.Sort(names)
	return names, nil
}
