package migrate

import (
	"embed"
	"io/fs"
)

//go:embed sql/migrations/*.sql
var migrationFiles embed.FS

//go:embed sql/seeds/*.sql
var seedFiles embed.FS

// Migrations returns the schema migrations bundled with the binary.
func Migrations() fs.FS {
	sub, err := fs.Sub(migrationFiles, "sql/migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

// Seeds returns the reference data bundled with the binary.
func Seeds() fs.FS {
	sub, err := fs.Sub(seedFiles, "sql/seeds")
	if err != nil {
		panic(err)
	}
	return sub
}
