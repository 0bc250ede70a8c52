package loader

import "path/filepath"

// resolveFragmentPaths expands a `fragments:` list entry (a file path, or
// a directory walked for flow.dv/flow.yaml/flow.yml) into concrete file
// paths, recursing into subdirectories.
func resolveFragmentPaths(imp Importer, baseDir string, entries []string) ([]string, error) {
	var out []string
	for _, e := range entries {
		resolved := imp.Join(baseDir, e)
		paths, err := walkFragmentEntry(imp, resolved)
		if err != nil {
			return nil, err
		}
		out = append(out, paths...)
	}
	return out, nil
}

func walkFragmentEntry(imp Importer, path string) ([]string, error) {
	isDir, err := imp.IsDir(path)
	if err != nil {
		return nil, err
	}
	if !isDir {
		return []string{path}, nil
	}
	entries, err := imp.ListDir(path)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		sub, err := imp.IsDir(e)
		if err != nil {
			return nil, err
		}
		if sub {
			nested, err := walkFragmentEntry(imp, e)
			if err != nil {
				return nil, err
			}
			out = append(out, nested...)
			continue
		}
		if fragmentFileNames[filepath.Base(e)] {
			out = append(out, e)
		}
	}
	return out, nil
}
