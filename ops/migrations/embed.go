// Package migrations embeds the PostgreSQL schema and seed scripts.
package migrations

import (
	"embed"
	"io/fs"
)

//go:embed sql/*.sql
var schema embed.FS

//go:embed seeds/*.sql
var seeds embed.FS

// Schema returns the versioned migrations rooted at their directory.
func Schema() fs.FS {
	sub, err := fs.Sub(schema, "sql")
	if err != nil {
		panic(err)
	}
	return sub
}

// Seeds returns the seed scripts rooted at their directory.
func Seeds() fs.FS {
	sub, err := fs.Sub(seeds, "seeds")
	if err != nil {
		panic(err)
	}
	return sub
}
