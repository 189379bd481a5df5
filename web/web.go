// Package web holds the UI server's templates and static assets.
package web

import "embed"

//go:embed templates/*.html
var Templates embed.FS

// Static is served under /static/; paths keep their static/ prefix.
//
//go:embed static
var Static embed.FS
