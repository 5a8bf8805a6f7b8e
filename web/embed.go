package web

import "embed"

// FS contains the bench control page served at /.
//
//go:embed *.html *.css *.js
var FS embed.FS
