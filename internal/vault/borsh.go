package vault

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrShortBuffer: dados terminaram antes do campo esperado
var ErrShortBuffer = errors.New("vault: short buffer")

// encoder grava no formato Borsh: inteiros LE, string/vec com prefixo u32 LE
type encoder struct{ buf []byte }

func (e *encoder) raw(b []byte) { e.buf = append(e.buf, b...) }

func (e *encoder) u8(v uint8) { e.buf = append(e.buf, v) }

func (e *encoder) u32(v uint32) { e.buf = binary.LittleEndian.AppendUint32(e.buf, v) }

func (e *encoder) u64(v uint64) { e.buf = binary.LittleEndian.AppendUint64(e.buf, v) }

func (e *encoder) str(s string) {
	e.u32(uint32(len(s)))
	e.buf = append(e.buf, s...)
}

func (e *encoder) bytes(b []byte) {
	e.u32(uint32(len(b)))
	e.buf = append(e.buf, b...)
}

func (e *encoder) u64s(vs []uint64) {
	e.u32(uint32(len(vs)))
	for _, v := range vs {
		e.u64(v)
	}
}

type decoder struct {
	buf []byte
	off int
}

func (d *decoder) need(n int, field string) error {
	if n < 0 || d.off+n > len(d.buf) {
		return fmt.Errorf("%w: %s at offset %d", ErrShortBuffer, field, d.off)
	}
	return nil
}

func (d *decoder) raw(n int, field string) ([]byte, error) {
	if err := d.need(n, field); err != nil {
		return nil, err
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b, nil
}

func (d *decoder) u8(field string) (uint8, error) {
	b, err := d.raw(1, field)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (d *decoder) u32(field string) (uint32, error) {
	b, err := d.raw(4, field)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (d *decoder) u64(field string) (uint64, error) {
	b, err := d.raw(8, field)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (d *decoder) i64(field string) (int64, error) {
	v, err := d.u64(field)
	return int64(v), err
}

func (d *decoder) length(field string) (int, error) {
	n, err := d.u32(field)
	if err != nil {
		return 0, err
	}
	// cada item ocupa ao menos 1 byte; evita alocação absurda com dado corrompido
	if int(n) > len(d.buf)-d.off {
		return 0, fmt.Errorf("%w: %s length %d", ErrShortBuffer, field, n)
	}
	return int(n), nil
}

func (d *decoder) str(field string) (string, error) {
	n, err := d.length(field)
	if err != nil {
		return "", err
	}
	b, err := d.raw(n, field)
	return string(b), err
}

func (d *decoder) bytes(field string) ([]byte, error) {
	n, err := d.length(field)
	if err != nil {
		return nil, err
	}
	b, err := d.raw(n, field)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), b...), nil
}

func (d *decoder) u64s(field string) ([]uint64, error) {
	n, err := d.length(field)
	if err != nil {
		return nil, err
	}
	out := make([]uint64, n)
	for i := range out {
		if out[i], err = d.u64(field); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (d *decoder) done() error {
	if d.off != len(d.buf) {
		return fmt.Errorf("vault: %d trailing bytes", len(d.buf)-d.off)
	}
	return nil
}
