// Package defaultplaybooks provides embedded copies of the shipped
// playbook files for use by the init subcommand. This package exists
// solely to satisfy go:embed's requirement that embedded files reside
// in or below the embedding package directory.
//
// The runtime playbook loader lives in internal/playbooks.
package defaultplaybooks

import "embed"

// FS contains the shipped playbook markdown files.
//
//go:embed *.md
var FS embed.FS
