// Package assets provides access to embedded static files, currently the
// SQL schema migrations.
package assets

import (
	"embed"
	"io/fs"
)

//go:embed migrations/*.sql
var embedFS embed.FS

// ReadFile returns the content of an embedded file by name.
func ReadFile(name string) ([]byte, error) {
	return embedFS.ReadFile(name)
}

// ReadDir returns the directory entries for an embedded path.
func ReadDir(name string) ([]fs.DirEntry, error) {
	return embedFS.ReadDir(name)
}
