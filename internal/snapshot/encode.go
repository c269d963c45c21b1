package snapshot

import (
	"encoding/binary"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"
)

// Frame layout constants.
const (
	Magic      uint16 = 0x5654
	Version    byte   = 1
	HeaderSize        = 16

	FlagDiff byte = 0x01

	rowBlank byte = 0x00
	rowCells byte = 0x01
)

// Cell type byte layout.
const (
	charSpace byte = 0
	charASCII byte = 1
	charUTF8  byte = 2
	charMask  byte = 0x03

	widthShift      = 2
	widthMask  byte = 0x03 << widthShift

	cellStyled byte = 1 << 4
)

// Style flag byte layout.
const (
	styleAttrs byte = 1 << iota
	styleFg
	styleFgRGB
	styleBg
	styleBgRGB
)

// Encode serializes cur. When prev has the same geometry and only some rows
// changed, a diff frame carrying just those rows is produced and usedDiff is
// true. Otherwise a full frame is produced. Output is deterministic.
func Encode(cur, prev *Buffer) (frame []byte, usedDiff bool) {
	if prev == nil || !cur.sameGeometry(prev) {
		return encodeFull(cur), false
	}

	changed := changedRows(cur, prev)
	if len(changed) == 0 || len(changed) >= cur.Rows {
		return encodeFull(cur), false
	}

	buf := appendHeader(make([]byte, 0, HeaderSize+2+len(changed)*(3+cur.Cols)), cur, FlagDiff)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(changed)))
	for _, y := range changed {
		buf = binary.LittleEndian.AppendUint16(buf, uint16(y))
		buf = appendRow(buf, cur.row(y))
	}
	return buf, true
}

func encodeFull(b *Buffer) []byte {
	buf := appendHeader(make([]byte, 0, HeaderSize+b.Rows*(1+b.Cols)), b, 0)
	for y := 0; y < b.Rows; y++ {
		buf = appendRow(buf, b.row(y))
	}
	return buf
}

func appendHeader(buf []byte, b *Buffer, flags byte) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, Magic)
	buf = append(buf, Version, flags)
	buf = binary.LittleEndian.AppendUint16(buf, clamp16(b.Cols))
	buf = binary.LittleEndian.AppendUint16(buf, clamp16(b.Rows))
	buf = binary.LittleEndian.AppendUint16(buf, clamp16(b.ViewportY))
	buf = binary.LittleEndian.AppendUint16(buf, clamp16(b.CursorX))
	buf = binary.LittleEndian.AppendUint16(buf, clamp16(b.CursorY))
	return binary.LittleEndian.AppendUint16(buf, 0)
}

func clamp16(v int) uint16 {
	switch {
	case v < 0:
		return 0
	case v > 0xFFFF:
		return 0xFFFF
	}
	return uint16(v)
}

// Unchanged reports whether encoding cur against prev would tell a client
// nothing new: same geometry, same cursor, identical rows.
func Unchanged(cur, prev *Buffer) bool {
	if cur == nil || prev == nil || !cur.sameGeometry(prev) {
		return false
	}
	if cur.CursorX != prev.CursorX || cur.CursorY != prev.CursorY {
		return false
	}
	return len(changedRows(cur, prev)) == 0
}

func changedRows(cur, prev *Buffer) []int {
	var changed []int
	for y := 0; y < cur.Rows; y++ {
		if rowFingerprint(cur.row(y)) != rowFingerprint(prev.row(y)) {
			changed = append(changed, y)
		}
	}
	return changed
}

// rowFingerprint hashes everything that reaches the wire for a row.
func rowFingerprint(row []Cell) uint64 {
	if isBlankRow(row) {
		return 0
	}
	d := xxhash.New()
	var scratch [12]byte
	for _, c := range row {
		_, _ = d.WriteString(c.char())
		s := scratch[:0]
		s = append(s, 0, c.Width, c.Attributes)
		s = appendColorKey(s, c.Fg)
		s = appendColorKey(s, c.Bg)
		_, _ = d.Write(s)
	}
	sum := d.Sum64()
	if sum == 0 {
		sum = 1
	}
	return sum
}

func appendColorKey(buf []byte, c *Color) []byte {
	switch {
	case c == nil:
		return append(buf, 0)
	case c.IsRGB:
		r, g, b := c.rgb()
		return append(buf, 2, r, g, b)
	}
	return append(buf, 1, c.Index)
}

func isBlankRow(row []Cell) bool {
	for _, c := range row {
		if !c.isDefault() {
			return false
		}
	}
	return true
}

func appendRow(buf []byte, row []Cell) []byte {
	if isBlankRow(row) {
		return append(buf, rowBlank)
	}
	buf = append(buf, rowCells)
	buf = binary.LittleEndian.AppendUint16(buf, clamp16(len(row)))
	for _, c := range row[:clamp16(len(row))] {
		buf = appendCell(buf, c)
	}
	return buf
}

func appendCell(buf []byte, c Cell) []byte {
	ch := c.char()

	var typ byte
	switch {
	case ch == " ":
		typ = charSpace
	case len(ch) == 1 && ch[0] < utf8.RuneSelf:
		typ = charASCII
	default:
		typ = charUTF8
	}
	typ |= widthCode(c.Width) << widthShift
	if c.styled() {
		typ |= cellStyled
	}

	buf = append(buf, typ)
	switch typ & charMask {
	case charASCII:
		buf = append(buf, ch[0])
	case charUTF8:
		payload := truncateUTF8(ch, 0xFF)
		buf = append(buf, byte(len(payload)))
		buf = append(buf, payload...)
	}

	if c.styled() {
		buf = appendStyle(buf, c)
	}
	return buf
}

func appendStyle(buf []byte, c Cell) []byte {
	var flags byte
	if c.Attributes != 0 {
		flags |= styleAttrs
	}
	if c.Fg != nil {
		flags |= styleFg
		if c.Fg.IsRGB {
			flags |= styleFgRGB
		}
	}
	if c.Bg != nil {
		flags |= styleBg
		if c.Bg.IsRGB {
			flags |= styleBgRGB
		}
	}

	buf = append(buf, flags)
	if flags&styleAttrs != 0 {
		buf = append(buf, c.Attributes)
	}
	buf = appendColor(buf, c.Fg)
	return appendColor(buf, c.Bg)
}

func appendColor(buf []byte, c *Color) []byte {
	switch {
	case c == nil:
		return buf
	case c.IsRGB:
		r, g, b := c.rgb()
		return append(buf, r, g, b)
	}
	return append(buf, c.Index)
}

func widthCode(w uint8) byte {
	switch w {
	case 0:
		return 2
	case 1:
		return 0
	}
	return 1
}

func truncateUTF8(s string, max int) string {
	if len(s) <= max {
		return s
	}
	s = s[:max]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}
