package gallery

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// PathMapper maps image paths stored by the gallery, which are relative to
// the gallery install, onto the host's galleries directory.
type PathMapper struct {
	// HostRoot is where the galleries directory is mounted on this host.
	HostRoot string
	// VirtualRoot is the gallery install directory the stored paths are relative to.
	VirtualRoot string
}

// HostPath resolves a stored path such as "./galleries/2021/a.jpg".
func (m PathMapper) HostPath(stored string) (string, error) {
	root := path.Join(filepath.ToSlash(m.VirtualRoot), "galleries")
	full := path.Join(filepath.ToSlash(m.VirtualRoot), filepath.ToSlash(stored))
	rel, ok := strings.CutPrefix(full, root)
	if !ok || (rel != "" && !strings.HasPrefix(rel, "/")) {
		return "", fmt.Errorf("image path %q is outside the galleries directory", stored)
	}
	return filepath.Join(m.HostRoot, filepath.FromSlash(rel)), nil
}
