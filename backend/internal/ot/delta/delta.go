package delta

import "unicode/utf8"

type Kind string

const (
	KindRetain Kind = "retain"
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
)

// Op 是操作序列里的一个分量。位置一律按 rune 计数，不是 byte。
type Op struct {
	Kind  Kind           `json:"kind"`            // "retain" / "insert" / "delete"
	Count int            `json:"count,omitempty"` // retain/delete 的长度
	Text  string         `json:"text,omitempty"`  // insert 的文本
	Attrs map[string]any `json:"attrs,omitempty"` // 样式属性（粗体/颜色等）
}

// Delta 是针对某个文档版本的一次完整编辑。
// "ops":[{"kind":"retain","count":5},{"kind":"insert","text":"Hello"}]
type Delta []Op

// Len 返回分量覆盖的 rune 数。
func (o Op) Len() int {
	if o.Kind == KindInsert {
		return utf8.RuneCountInString(o.Text)
	}
	return o.Count
}

// BaseLen 返回 Delta 作用的基准文档所需的最小长度（retain+delete 部分）。
func (d Delta) BaseLen() int {
	n := 0
	for _, op := range d {
		if op.Kind != KindInsert {
			n += op.Count
		}
	}
	return n
}

// TargetLen 返回应用 Delta 之后对应区间的长度（retain+insert 部分）。
func (d Delta) TargetLen() int {
	n := 0
	for _, op := range d {
		if op.Kind != KindDelete {
			n += op.Len()
		}
	}
	return n
}

// push 追加一个分量，相邻同类分量直接合并。
func (d Delta) push(op Op) Delta {
	if op.Len() == 0 {
		return d
	}
	if n := len(d); n > 0 && d[n-1].Kind == op.Kind && op.Attrs == nil && d[n-1].Attrs == nil {
		switch op.Kind {
		case KindRetain, KindDelete:
			d[n-1].Count += op.Count
			return d
		case KindInsert:
			d[n-1].Text += op.Text
			return d
		}
	}
	return append(d, op)
}

// chop 去掉末尾的裸 retain（不影响语义，只是规范形式）。
func (d Delta) chop() Delta {
	for len(d) > 0 {
		last := d[len(d)-1]
		if last.Kind != KindRetain || last.Attrs != nil {
			break
		}
		d = d[:len(d)-1]
	}
	return d
}

// Equal 判断两个 Delta 在规范形式下是否等价（忽略样式属性）。
// 同步队列用它判断服务端返回的结果有没有被并发编辑改写过。
func Equal(a, b Delta) bool {
	na, nb := Normalize(a), Normalize(b)
	if len(na) != len(nb) {
		return false
	}
	for i := range na {
		if na[i].Kind != nb[i].Kind || na[i].Count != nb[i].Count || na[i].Text != nb[i].Text {
			return false
		}
	}
	return true
}

// Normalize 合并相邻同类分量、去掉空分量和末尾 retain。
func Normalize(d Delta) Delta {
	out := Delta{}
	for _, op := range d {
		out = out.push(Op{Kind: op.Kind, Count: op.Count, Text: op.Text, Attrs: op.Attrs})
	}
	return out.chop()
}
