// Package migrations embeds the goose SQL migrations for the server and
// client databases.
package migrations

import (
	"embed"
	"io/fs"
)

//go:embed server/*.sql client/*.sql
var FS embed.FS

// Server returns the migrations for the authoritative server database.
func Server() fs.FS {
	return mustSub("server")
}

// Client returns the migrations for the on-device database.
func Client() fs.FS {
	return mustSub("client")
}

func mustSub(dir string) fs.FS {
	sub, err := fs.Sub(FS, dir)
	if err != nil {
		panic("migrations: " + err.Error())
	}
	return sub
}
