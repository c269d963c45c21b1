// Package snapshot encodes terminal screen state into the binary frame format
// consumed by browser viewers, either as a full frame or as a diff against the
// previously sent state.
package snapshot

// Cell attribute bits.
const (
	AttrBold uint8 = 1 << iota
	AttrItalic
	AttrUnderline
	AttrDim
	AttrInverse
	AttrInvisible
	AttrStrikethrough
	AttrBlink
)

// Color is either a 256-colour palette index or a 24-bit RGB value.
type Color struct {
	Index uint8
	RGB   uint32
	IsRGB bool
}

// Palette returns a palette colour.
func Palette(i uint8) *Color { return &Color{Index: i} }

// RGB returns a true colour.
func RGB(r, g, b uint8) *Color {
	return &Color{RGB: uint32(r)<<16 | uint32(g)<<8 | uint32(b), IsRGB: true}
}

func (c Color) rgb() (r, g, b uint8) { return uint8(c.RGB >> 16), uint8(c.RGB >> 8), uint8(c.RGB) }

// Cell is one screen position. An empty Char is treated as a space.
type Cell struct {
	Char       string
	Width      uint8
	Fg         *Color
	Bg         *Color
	Attributes uint8
}

// Blank is the default cell: a space of width one with no styling.
func Blank() Cell { return Cell{Char: " ", Width: 1} }

func (c Cell) char() string {
	if c.Char == "" {
		return " "
	}
	return c.Char
}

func (c Cell) styled() bool {
	return c.Fg != nil || c.Bg != nil || c.Attributes != 0
}

func (c Cell) isDefault() bool {
	return c.char() == " " && c.Width == 1 && !c.styled()
}

// Buffer is the visible screen state at one instant. Cells is indexed
// [row][col]. A Buffer must not be mutated after it is handed to Encode.
type Buffer struct {
	Cols      int
	Rows      int
	ViewportY int
	CursorX   int
	CursorY   int
	Cells     [][]Cell
}

// NewBuffer returns a buffer of blank cells.
func NewBuffer(cols, rows int) *Buffer {
	b := &Buffer{Cols: cols, Rows: rows, Cells: make([][]Cell, rows)}
	for y := range b.Cells {
		b.Cells[y] = blankRow(cols)
	}
	return b
}

func blankRow(cols int) []Cell {
	row := make([]Cell, cols)
	for x := range row {
		row[x] = Blank()
	}
	return row
}

func (b *Buffer) row(y int) []Cell {
	if y < 0 || y >= len(b.Cells) {
		return nil
	}
	return b.Cells[y]
}

func (b *Buffer) sameGeometry(o *Buffer) bool {
	return b.Cols == o.Cols && b.Rows == o.Rows && b.ViewportY == o.ViewportY
}
