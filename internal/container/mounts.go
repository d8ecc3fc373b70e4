package container

import (
	"fmt"
	"path"
	"strings"
)

// MountBuilder builds the mounts attached to every user sandbox.
type MountBuilder struct {
	// VolumePrefix enables a persistent named volume per user mounted at the
	// user's home directory. Empty disables it.
	VolumePrefix string
	// Extra mounts are attached to every sandbox unchanged.
	Extra []Mount
}

// NewMountBuilder validates the extra mounts and returns a builder.
func NewMountBuilder(volumePrefix string, extra []Mount) (*MountBuilder, error) {
	cleaned := make([]Mount, 0, len(extra))
	for i, m := range extra {
		switch m.Type {
		case "":
			m.Type = "bind"
		case "bind", "volume", "tmpfs":
		default:
			return nil, fmt.Errorf("mount[%d] has invalid type %q", i, m.Type)
		}
		if m.Type != "tmpfs" && strings.TrimSpace(m.Source) == "" {
			return nil, fmt.Errorf("mount[%d] missing source", i)
		}
		if !path.IsAbs(m.Target) {
			return nil, fmt.Errorf("mount[%d] target %q must be absolute", i, m.Target)
		}
		m.Target = path.Clean(m.Target)
		cleaned = append(cleaned, m)
	}

	mb := &MountBuilder{
		VolumePrefix: strings.TrimSpace(volumePrefix),
		Extra:        cleaned,
	}
	if err := mb.ValidateNoConflicts(); err != nil {
		return nil, err
	}
	return mb, nil
}

// BuildMounts returns the mounts for the sandbox of the given namespace.
func (m *MountBuilder) BuildMounts(namespace, home string) []Mount {
	var mounts []Mount
	if m == nil {
		return mounts
	}
	if m.VolumePrefix != "" && home != "" {
		mounts = append(mounts, Mount{
			Type:   "volume",
			Source: m.VolumePrefix + "-" + namespace,
			Target: path.Clean(home),
		})
	}
	mounts = append(mounts, m.Extra...)
	return mounts
}

// ValidateNoConflicts ensures mount targets don't overlap.
func (m *MountBuilder) ValidateNoConflicts() error {
	for i, a := range m.Extra {
		for j, b := range m.Extra {
			if i == j {
				continue
			}
			if a.Target == b.Target {
				return fmt.Errorf("mount conflict: %q mounted twice", a.Target)
			}
			if isParentPath(a.Target, b.Target) {
				return fmt.Errorf("mount conflict: %q is a parent of %q", a.Target, b.Target)
			}
		}
	}
	return nil
}

// isParentPath checks if parent is a parent directory of child
func isParentPath(parent, child string) bool {
	if parent == "/" {
		return child != "/"
	}
	if !strings.HasSuffix(parent, "/") {
		parent += "/"
	}
	return strings.HasPrefix(child, parent)
}
