// Package std is a test-only stand-in for the bundled standard-library
// task implementations (FileSet glob, Message, CreateFile, Env), which
// live outside this module. It exists solely so the runner's own tests
// can exercise realistic dataitem.Item shapes without depending on a
// real loader/YAML package tree.
package std

import "github.com/dfateng/dfm/internal/dataitem"

// FileSet builds a `std.FileSet`-typed item. Src/Seq are left
// zero-valued; the runner stamps them onto whatever a task actually
// returns.
func FileSet(basedir string, files []string) *dataitem.Item {
	it := dataitem.New("FileSet")
	it.Set("basedir", basedir)
	it.Set("files", files)
	return it
}

// Env builds a `std.Env`-typed item: a flat string-keyed environment
// overlay consumed by taskexec's env-merge step.
func Env(vars map[string]string) *dataitem.Item {
	it := dataitem.New("Env")
	for k, v := range vars {
		it.Set(k, v)
	}
	return it
}

// Message builds a `std.Message`-typed item: the minimal "did
// something" marker item.
func Message(text string) *dataitem.Item {
	it := dataitem.New("Message")
	it.Set("text", text)
	return it
}
