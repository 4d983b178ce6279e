package protocol

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// Protocol identifies the wire dialect spoken by a peer. Packets carry a
// 32-bit tag derived from the name and version; peers also accept the tags
// of the listed compatible versions.
type Protocol struct {
	name    string
	version string
	tag     uint32
	known   map[uint32]string
}

// New creates a protocol for name at version, accepting packets from any of
// the compatible versions as well.
func New(name, version string, compatible ...string) *Protocol {
	p := &Protocol{
		name:    name,
		version: version,
		tag:     VersionTag(name, version),
		known:   make(map[uint32]string, 1+len(compatible)),
	}
	p.known[p.tag] = version
	for _, v := range compatible {
		p.known[VersionTag(name, v)] = v
	}
	return p
}

// VersionTag hashes a protocol name and version into the header tag: the
// low 32 bits of the SHA-256 digest.
func VersionTag(name, version string) uint32 {
	sum := sha256.Sum256([]byte(name + version))
	return binary.BigEndian.Uint32(sum[len(sum)-4:])
}

// Name returns the protocol name.
func (p *Protocol) Name() string { return p.name }

// Latest returns the version this peer sends.
func (p *Protocol) Latest() string { return p.version }

// Tag returns the tag written into outbound headers.
func (p *Protocol) Tag() uint32 { return p.tag }

// IsValid reports whether tag belongs to this version or a compatible one.
func (p *Protocol) IsValid(tag uint32) bool {
	_, ok := p.known[tag]
	return ok
}

// Version resolves a tag to its version string.
func (p *Protocol) Version(tag uint32) (string, error) {
	v, ok := p.known[tag]
	if !ok {
		return "", fmt.Errorf("%w: tag %08x for %s", ErrVersionMismatch, tag, p.name)
	}
	return v, nil
}

func (p *Protocol) String() string {
	return fmt.Sprintf("%s/%s", p.name, p.version)
}
