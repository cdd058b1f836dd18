// Package sql embeds the Bursar database schema so deploy tooling and tests
// can apply it without reaching outside the binary.
package sql

import (
	"embed"
)

//go:embed schema/*.sql
var Content embed.FS
