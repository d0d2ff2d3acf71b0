// Package web holds the browser client served at /.
package web

import "embed"

//go:embed dist
var Assets embed.FS
