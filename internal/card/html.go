package card

import (
	_ "embed"
)

// indexHTML is the single page "label" UI: it uploads camera frames and
// polls the latest result.
//
//go:embed static/index.html
var indexHTML []byte
