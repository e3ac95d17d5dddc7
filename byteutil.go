package curator

import (
	"encoding/binary"
	"io"
	"math"
	"slices"
)

// ensureCapacity returns buf with room for at least minCap bytes, growing by
// doubling from 16.
func ensureCapacity(buf []byte, minCap int) []byte {
	if minCap <= cap(buf) {
		return buf
	}
	c := max(cap(buf), 16)
	for c < minCap {
		c *= 2
	}
	return slices.Grow(buf, c-len(buf))
}

func appendRaw(buf, chunk []byte) []byte {
	return append(ensureCapacity(buf, len(buf)+len(chunk)), chunk...)
}

func appendUvarint(buf []byte, v uint64) []byte {
	return binary.AppendUvarint(ensureCapacity(buf, len(buf)+binary.MaxVarintLen64), v)
}

func appendVarbytes(buf, v []byte) []byte {
	return appendRaw(appendUvarint(buf, uint64(len(v))), v)
}

// bytesBuilder is an io.Writer over a plain byte slice, for encoders that
// append after a caller-written prefix.
type bytesBuilder struct {
	Buf []byte
}

var _ io.Writer = (*bytesBuilder)(nil)

func (bb *bytesBuilder) Write(b []byte) (int, error) {
	bb.Buf = appendRaw(bb.Buf, b)
	return len(b), nil
}

func (bb *bytesBuilder) WriteByte(v byte) error {
	bb.Buf = append(ensureCapacity(bb.Buf, len(bb.Buf)+1), v)
	return nil
}

// byteDecoder consumes Buf, reporting errors against offsets into Orig.
type byteDecoder struct {
	Orig []byte
	Buf  []byte
}

func makeByteDecoder(buf []byte) byteDecoder {
	return byteDecoder{Orig: buf, Buf: buf}
}

func (d *byteDecoder) Off() int {
	return len(d.Orig) - len(d.Buf)
}

func (d *byteDecoder) Uvarint() (uint64, error) {
	v, n := binary.Uvarint(d.Buf)
	if n <= 0 {
		return 0, dataErrf(d.Orig, d.Off(), nil, "invalid uvarint")
	}
	d.Buf = d.Buf[n:]
	return v, nil
}

func (d *byteDecoder) Uvarinti() (int, error) {
	v, err := d.Uvarint()
	if err == nil && v > math.MaxInt {
		err = dataErrf(d.Orig, d.Off(), nil, "length overflows int: %d", v)
	}
	return int(v), err
}

func (d *byteDecoder) Raw(n int) ([]byte, error) {
	if n > len(d.Buf) {
		return nil, dataErrf(d.Orig, d.Off(), nil, "truncated: %d bytes wanted, %d left", n, len(d.Buf))
	}
	v := d.Buf[:n:n]
	d.Buf = d.Buf[n:]
	return v, nil
}

func (d *byteDecoder) VarBytes() ([]byte, error) {
	n, err := d.Uvarinti()
	if err != nil {
		return nil, err
	}
	return d.Raw(n)
}
