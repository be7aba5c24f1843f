package multiboot

import "encoding/binary"

// InfoBuilder assembles a multiboot2 information block containing a memory
// map and a command line. The kernel never uses it; it exists for the hosted
// machine simulator and for tests that need boot data without a bootloader.
type InfoBuilder struct {
	buf []byte
}

// NewInfoBuilder returns a builder for an empty information block.
func NewInfoBuilder() *InfoBuilder {
	return &InfoBuilder{buf: make([]byte, 8)}
}

// AddMemoryMap appends a memory map tag listing the supplied regions in order.
func (b *InfoBuilder) AddMemoryMap(entries ...MemoryMapEntry) *InfoBuilder {
	const entrySize = 24

	payload := make([]byte, 8+entrySize*len(entries))
	binary.LittleEndian.PutUint32(payload[0:], entrySize)
	for i, entry := range entries {
		off := 8 + i*entrySize
		binary.LittleEndian.PutUint64(payload[off:], entry.PhysAddress)
		binary.LittleEndian.PutUint64(payload[off+8:], entry.Length)
		binary.LittleEndian.PutUint32(payload[off+16:], uint32(entry.Type))
	}

	b.addTag(tagMemoryMap, payload)
	return b
}

// AddCmdLine appends a command line tag.
func (b *InfoBuilder) AddCmdLine(cmdLine string) *InfoBuilder {
	b.addTag(tagBootCmdLine, append([]byte(cmdLine), 0))
	return b
}

// Bytes terminates the information block and returns its contents.
func (b *InfoBuilder) Bytes() []byte {
	out := make([]byte, len(b.buf), len(b.buf)+8)
	copy(out, b.buf)
	out = append(out, 0, 0, 0, 0, 8, 0, 0, 0)
	binary.LittleEndian.PutUint32(out[0:], uint32(len(out)))
	return out
}

func (b *InfoBuilder) addTag(tagType tagType, payload []byte) {
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:], uint32(tagType))
	binary.LittleEndian.PutUint32(hdr[4:], uint32(8+len(payload)))

	b.buf = append(b.buf, hdr[:]...)
	b.buf = append(b.buf, payload...)
	for len(b.buf)%8 != 0 {
		b.buf = append(b.buf, 0)
	}
}
