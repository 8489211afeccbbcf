package collab

import (
	"fmt"
	"strings"

	"docsync/backend/internal/ot/delta"
)

type bufferKind int

const (
	bufOriginal bufferKind = iota
	bufAdd
)

type piece struct {
	buf    bufferKind
	offset int
	length int
}

// PieceTable 实现 Buffer。original 存初始内容，add 只增不减，
// pieces 描述当前文档由哪些片段按序拼成。
type PieceTable struct {
	original []rune
	add      []rune
	pieces   []piece
}

func NewPieceTable(initial string) *PieceTable {
	r := []rune(initial)
	pt := &PieceTable{original: r}
	if len(r) > 0 {
		pt.pieces = []piece{{buf: bufOriginal, offset: 0, length: len(r)}}
	}
	return pt
}

func (pt *PieceTable) Len() int {
	n := 0
	for _, p := range pt.pieces {
		n += p.length
	}
	return n
}

func (pt *PieceTable) String() string {
	var sb strings.Builder
	for _, p := range pt.pieces {
		switch p.buf {
		case bufOriginal:
			sb.WriteString(string(pt.original[p.offset : p.offset+p.length]))
		case bufAdd:
			sb.WriteString(string(pt.add[p.offset : p.offset+p.length]))
		}
	}
	return sb.String()
}

// Apply 按 retain/insert/delete 依次推进逻辑位置并改写 piece 表。
// 越过文档末尾的 retain/delete 视为非法载荷，保证重放的确定性。
func (pt *PieceTable) Apply(d delta.Delta) error {
	if d.BaseLen() > pt.Len() {
		return fmt.Errorf("%w: delta base %d exceeds document length %d",
			ErrInvalidOperation, d.BaseLen(), pt.Len())
	}
	pos := 0
	for _, op := range d {
		switch op.Kind {
		case delta.KindRetain:
			pos += op.Count
		case delta.KindInsert:
			pt.insertAt(pos, []rune(op.Text))
			pos += op.Len()
		case delta.KindDelete:
			pt.deleteAt(pos, op.Count)
		default:
			return fmt.Errorf("%w: unknown op kind %q", ErrInvalidOperation, op.Kind)
		}
	}
	return nil
}

func (pt *PieceTable) insertAt(pos int, text []rune) {
	if len(text) == 0 {
		return
	}
	start := len(pt.add)
	pt.add = append(pt.add, text...)
	newPiece := piece{buf: bufAdd, offset: start, length: len(text)}

	idx, offset := pt.locate(pos)
	if idx >= len(pt.pieces) {
		pt.pieces = append(pt.pieces, newPiece)
		return
	}

	// 命中的 piece 拆成 左 / 新 / 右 三段，空段丢弃
	cur := pt.pieces[idx]
	left := piece{buf: cur.buf, offset: cur.offset, length: offset}
	right := piece{buf: cur.buf, offset: cur.offset + offset, length: cur.length - offset}

	out := make([]piece, 0, len(pt.pieces)+2)
	out = append(out, pt.pieces[:idx]...)
	if left.length > 0 {
		out = append(out, left)
	}
	out = append(out, newPiece)
	if right.length > 0 {
		out = append(out, right)
	}
	out = append(out, pt.pieces[idx+1:]...)
	pt.pieces = out
}

func (pt *PieceTable) deleteAt(pos, count int) {
	remain := count
	idx, offset := pt.locate(pos)

	for remain > 0 && idx < len(pt.pieces) {
		cur := pt.pieces[idx]
		can := cur.length - offset
		if can <= 0 {
			idx++
			offset = 0
			continue
		}
		take := remain
		if take > can {
			take = can
		}

		if offset == 0 && take == cur.length {
			// 整个 piece 删掉，idx 原地指向下一个 piece
			pt.pieces = append(pt.pieces[:idx], pt.pieces[idx+1:]...)
		} else {
			leftLen := offset
			rightLen := cur.length - offset - take

			out := make([]piece, 0, len(pt.pieces)+1)
			out = append(out, pt.pieces[:idx]...)
			if leftLen > 0 {
				out = append(out, piece{buf: cur.buf, offset: cur.offset, length: leftLen})
			}
			if rightLen > 0 {
				out = append(out, piece{buf: cur.buf, offset: cur.offset + offset + take, length: rightLen})
			}
			out = append(out, pt.pieces[idx+1:]...)
			pt.pieces = out

			if leftLen > 0 {
				// 删的是中段或尾段，后续继续从右段开头删
				offset = 0
				idx++
			}
		}
		remain -= take
	}
}

// locate 把逻辑位置 pos 换算成 (piece 下标, piece 内偏移)。
// pos 落在文档末尾之后时返回 len(pieces)。
func (pt *PieceTable) locate(pos int) (idx int, offset int) {
	cur := 0
	for i, p := range pt.pieces {
		if pos < cur+p.length {
			return i, pos - cur
		}
		cur += p.length
	}
	return len(pt.pieces), 0
}
