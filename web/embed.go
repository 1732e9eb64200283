// Package web embeds the status page.
package web

import "embed"

// FS holds the page, its script and stylesheet.
//
//go:embed *.html *.css *.js
var FS embed.FS
