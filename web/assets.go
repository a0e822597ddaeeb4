package web

import (
	"embed"
	"io/fs"
)

//go:embed templates
var Assets embed.FS

// Templates returns the embedded mail templates rooted at templates/.
func Templates() (fs.FS, error) {
	return fs.Sub(Assets, "templates")
}
