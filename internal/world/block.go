package world

// Material identifies the content of one voxel. What a material looks like
// and which mesh pass it belongs to is decided by a registry.Table.
type Material uint16

// Air is the empty material. Every material table reserves ID 0 for it.
const Air Material = 0

// IsAir reports whether m is the empty sentinel.
func (m Material) IsAir() bool {
	return m == Air
}
