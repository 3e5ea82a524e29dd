package loader

import (
	"bytes"
	"encoding/binary"

	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"
)

// Width is the size of an address-sized field, fixed once per decode.
type Width int

const (
	Width32 Width = 4
	Width64 Width = 8
)

func (w Width) Bits() int {
	return int(w) * 8
}

// Reader is a read-only, bounds-checked view over a byte buffer.
// Out-of-range reads return an error wrapping ErrTruncatedRead.
type Reader struct {
	buf   []byte
	order binary.ByteOrder
}

func NewReader(p []byte, order binary.ByteOrder) *Reader {
	if order == nil {
		order = binary.LittleEndian
	}
	return &Reader{buf: p, order: order}
}

func (r *Reader) Len() uint64 {
	return uint64(len(r.buf))
}

func (r *Reader) ByteOrder() binary.ByteOrder {
	return r.order
}

// WithOrder returns a reader over the same bytes with another byte order.
func (r *Reader) WithOrder(order binary.ByteOrder) *Reader {
	return &Reader{buf: r.buf, order: order}
}

// InBounds reports whether n bytes starting at off are readable.
func (r *Reader) InBounds(off, n uint64) bool {
	size := uint64(len(r.buf))
	return off <= size && n <= size-off
}

func (r *Reader) check(off, n uint64) error {
	if !r.InBounds(off, n) {
		return errors.Wrapf(ErrTruncatedRead, "read %d bytes at %#x (size %#x)", n, off, len(r.buf))
	}
	return nil
}

// Bytes returns a view of n bytes at off. Callers must not modify it.
func (r *Reader) Bytes(off, n uint64) ([]byte, error) {
	if err := r.check(off, n); err != nil {
		return nil, err
	}
	return r.buf[off : off+n : off+n], nil
}

// Slice returns a reader restricted to n bytes at off, with offsets rebased to zero.
func (r *Reader) Slice(off, n uint64) (*Reader, error) {
	p, err := r.Bytes(off, n)
	if err != nil {
		return nil, err
	}
	return &Reader{buf: p, order: r.order}, nil
}

func (r *Reader) U8(off uint64) (uint8, error) {
	if err := r.check(off, 1); err != nil {
		return 0, err
	}
	return r.buf[off], nil
}

func (r *Reader) U16(off uint64) (uint16, error) {
	if err := r.check(off, 2); err != nil {
		return 0, err
	}
	return r.order.Uint16(r.buf[off:]), nil
}

func (r *Reader) U32(off uint64) (uint32, error) {
	if err := r.check(off, 4); err != nil {
		return 0, err
	}
	return r.order.Uint32(r.buf[off:]), nil
}

func (r *Reader) U64(off uint64) (uint64, error) {
	if err := r.check(off, 8); err != nil {
		return 0, err
	}
	return r.order.Uint64(r.buf[off:]), nil
}

// Word reads a 4- or 8-byte field depending on w.
func (r *Reader) Word(off uint64, w Width) (uint64, error) {
	if w == Width64 {
		return r.U64(off)
	}
	v, err := r.U32(off)
	return uint64(v), err
}

// CString reads a NUL-terminated string of at most limit bytes. The read
// stops at limit (or the end of the buffer) even when no terminator is found.
func (r *Reader) CString(off uint64, limit int) (string, error) {
	if err := r.check(off, 1); err != nil {
		return "", err
	}
	end := uint64(len(r.buf))
	if limit >= 0 && uint64(limit) < end-off {
		end = off + uint64(limit)
	}
	p := r.buf[off:end]
	if i := bytes.IndexByte(p, 0); i >= 0 {
		p = p[:i]
	}
	return string(p), nil
}

// Unpack decodes a fixed-layout struct at off. The window is validated
// against the buffer before struc sees it.
func (r *Reader) Unpack(off uint64, v interface{}) error {
	size, err := struc.Sizeof(v)
	if err != nil {
		return errors.Wrap(err, "struc.Sizeof() failed")
	}
	p, err := r.Bytes(off, uint64(size))
	if err != nil {
		return err
	}
	return errors.Wrap(struc.UnpackWithOrder(bytes.NewReader(p), v, r.order), "struc.Unpack() failed")
}

// fixedString trims a fixed-size, NUL-padded name field. Names that fill
// the whole field have no terminator and are kept intact.
func fixedString(p []byte) string {
	if i := bytes.IndexByte(p, 0); i >= 0 {
		p = p[:i]
	}
	return string(p)
}
