package snapshot

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrShortFrame = errors.New("snapshot: frame truncated")
	ErrBadMagic   = errors.New("snapshot: bad magic")
	ErrVersion    = errors.New("snapshot: unsupported version")
	ErrGeometry   = errors.New("snapshot: diff geometry does not match base")
)

// Line is one decoded row record.
type Line struct {
	Index int
	Blank bool
	Cells []Cell
}

// Frame is a decoded binary frame.
type Frame struct {
	Cols      int
	Rows      int
	ViewportY int
	CursorX   int
	CursorY   int
	Diff      bool
	Lines     []Line
}

// Decode parses a frame produced by Encode.
func Decode(b []byte) (*Frame, error) {
	if len(b) < HeaderSize {
		return nil, ErrShortFrame
	}
	if binary.LittleEndian.Uint16(b[0:2]) != Magic {
		return nil, ErrBadMagic
	}
	if b[2] != Version {
		return nil, fmt.Errorf("%w: %d", ErrVersion, b[2])
	}

	f := &Frame{
		Diff:      b[3]&FlagDiff != 0,
		Cols:      int(binary.LittleEndian.Uint16(b[4:6])),
		Rows:      int(binary.LittleEndian.Uint16(b[6:8])),
		ViewportY: int(binary.LittleEndian.Uint16(b[8:10])),
		CursorX:   int(binary.LittleEndian.Uint16(b[10:12])),
		CursorY:   int(binary.LittleEndian.Uint16(b[12:14])),
	}

	r := &reader{b: b, off: HeaderSize}
	if !f.Diff {
		f.Lines = make([]Line, 0, f.Rows)
		for y := 0; y < f.Rows; y++ {
			line, err := r.line(y)
			if err != nil {
				return nil, err
			}
			f.Lines = append(f.Lines, line)
		}
		return f, nil
	}

	count, err := r.u16()
	if err != nil {
		return nil, err
	}
	f.Lines = make([]Line, 0, count)
	for i := 0; i < int(count); i++ {
		idx, err := r.u16()
		if err != nil {
			return nil, err
		}
		line, err := r.line(int(idx))
		if err != nil {
			return nil, err
		}
		f.Lines = append(f.Lines, line)
	}
	return f, nil
}

// Apply materializes the frame. Full frames ignore base; diff frames require
// a base with the same geometry and return a new Buffer, leaving base intact.
func (f *Frame) Apply(base *Buffer) (*Buffer, error) {
	out := &Buffer{
		Cols:      f.Cols,
		Rows:      f.Rows,
		ViewportY: f.ViewportY,
		CursorX:   f.CursorX,
		CursorY:   f.CursorY,
		Cells:     make([][]Cell, f.Rows),
	}

	if f.Diff {
		if base == nil || base.Cols != f.Cols || base.Rows != f.Rows || base.ViewportY != f.ViewportY {
			return nil, ErrGeometry
		}
		for y := range out.Cells {
			out.Cells[y] = append([]Cell(nil), base.row(y)...)
		}
	}

	for _, line := range f.Lines {
		if line.Index < 0 || line.Index >= f.Rows {
			return nil, fmt.Errorf("snapshot: row index %d out of range", line.Index)
		}
		if line.Blank {
			out.Cells[line.Index] = blankRow(f.Cols)
			continue
		}
		out.Cells[line.Index] = line.Cells
	}
	return out, nil
}

type reader struct {
	b   []byte
	off int
}

func (r *reader) readByte() (byte, error) {
	if r.off >= len(r.b) {
		return 0, ErrShortFrame
	}
	v := r.b[r.off]
	r.off++
	return v, nil
}

func (r *reader) u16() (uint16, error) {
	if r.off+2 > len(r.b) {
		return 0, ErrShortFrame
	}
	v := binary.LittleEndian.Uint16(r.b[r.off:])
	r.off += 2
	return v, nil
}

func (r *reader) bytes(n int) ([]byte, error) {
	if r.off+n > len(r.b) {
		return nil, ErrShortFrame
	}
	v := r.b[r.off : r.off+n]
	r.off += n
	return v, nil
}

func (r *reader) line(index int) (Line, error) {
	marker, err := r.readByte()
	if err != nil {
		return Line{}, err
	}
	switch marker {
	case rowBlank:
		return Line{Index: index, Blank: true}, nil
	case rowCells:
	default:
		return Line{}, fmt.Errorf("snapshot: unknown row marker 0x%02x", marker)
	}

	n, err := r.u16()
	if err != nil {
		return Line{}, err
	}
	cells := make([]Cell, 0, n)
	for i := 0; i < int(n); i++ {
		c, err := r.cell()
		if err != nil {
			return Line{}, err
		}
		cells = append(cells, c)
	}
	return Line{Index: index, Cells: cells}, nil
}

func (r *reader) cell() (Cell, error) {
	typ, err := r.readByte()
	if err != nil {
		return Cell{}, err
	}

	var c Cell
	switch typ & charMask {
	case charSpace:
		c.Char = " "
	case charASCII:
		ch, err := r.readByte()
		if err != nil {
			return Cell{}, err
		}
		c.Char = string(rune(ch))
	case charUTF8:
		n, err := r.readByte()
		if err != nil {
			return Cell{}, err
		}
		payload, err := r.bytes(int(n))
		if err != nil {
			return Cell{}, err
		}
		c.Char = string(payload)
	default:
		return Cell{}, fmt.Errorf("snapshot: unknown char kind %d", typ&charMask)
	}

	switch (typ & widthMask) >> widthShift {
	case 0:
		c.Width = 1
	case 1:
		c.Width = 2
	default:
		c.Width = 0
	}

	if typ&cellStyled == 0 {
		return c, nil
	}

	flags, err := r.readByte()
	if err != nil {
		return Cell{}, err
	}
	if flags&styleAttrs != 0 {
		if c.Attributes, err = r.readByte(); err != nil {
			return Cell{}, err
		}
	}
	if flags&styleFg != 0 {
		if c.Fg, err = r.color(flags&styleFgRGB != 0); err != nil {
			return Cell{}, err
		}
	}
	if flags&styleBg != 0 {
		if c.Bg, err = r.color(flags&styleBgRGB != 0); err != nil {
			return Cell{}, err
		}
	}
	return c, nil
}

func (r *reader) color(isRGB bool) (*Color, error) {
	if !isRGB {
		i, err := r.readByte()
		if err != nil {
			return nil, err
		}
		return Palette(i), nil
	}
	rgb, err := r.bytes(3)
	if err != nil {
		return nil, err
	}
	return RGB(rgb[0], rgb[1], rgb[2]), nil
}
