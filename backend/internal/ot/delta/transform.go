package delta

// Transform 把 d 改写成可以作用在 "先应用了 against" 之后的文档上的等价编辑。
// 这是冲突合并的核心：客户端基于旧版本提交的 Delta，沿着它错过的每一个
// 已接受操作依次 rebase，位置随之平移。
//
// againstFirst 只在两边于同一位置插入时起作用：
//   - true  => against 的插入排在前面，d 的插入整体后移；
//   - false => d 的插入排在前面。
//
// 并发删除与插入重叠时，插入一律保留（删除被缩窄避开插入的文本），
// 避免静默丢内容。
func Transform(d, against Delta, againstFirst bool) Delta {
	a := newIter(against)
	b := newIter(d)
	out := Delta{}

	for a.hasNext() || b.hasNext() {
		if a.peekKind() == KindInsert && (againstFirst || b.peekKind() != KindInsert) {
			// against 插入的文本在 d 看来是需要跳过的新增区间
			out = out.push(Op{Kind: KindRetain, Count: a.next(a.peekLen()).Len()})
			continue
		}
		if b.peekKind() == KindInsert {
			out = out.push(b.next(b.peekLen()))
			continue
		}
		n := minInt(a.peekLen(), b.peekLen())
		aop := a.next(n)
		bop := b.next(n)
		switch {
		case aop.Kind == KindDelete:
			// 目标区间已被 against 删除，d 对它的 retain/delete 作废
		case bop.Kind == KindDelete:
			out = out.push(Op{Kind: KindDelete, Count: n})
		default:
			out = out.push(Op{Kind: KindRetain, Count: n, Attrs: bop.Attrs})
		}
	}
	return out.chop()
}

// TransformAll 依次 rebase 一串已接受操作。
// aheadFirst(i) 给出第 i 个拦路操作在同位插入时是否优先。
func TransformAll(d Delta, intervening []Delta, aheadFirst func(i int) bool) Delta {
	for i, other := range intervening {
		d = Transform(d, other, aheadFirst(i))
	}
	return d
}

const inf = int(^uint(0) >> 1)

// opIter 按任意步长遍历 Delta，分量可被切开。
// 遍历越界时视为无限长的 retain，简化双指针推进。
type opIter struct {
	ops    []Op
	idx    int
	offset int // 当前分量内已消费的 rune 数
}

func newIter(d Delta) *opIter { return &opIter{ops: d} }

func (it *opIter) hasNext() bool { return it.idx < len(it.ops) }

func (it *opIter) peekKind() Kind {
	if !it.hasNext() {
		return KindRetain
	}
	return it.ops[it.idx].Kind
}

func (it *opIter) peekLen() int {
	if !it.hasNext() {
		return inf
	}
	return it.ops[it.idx].Len() - it.offset
}

// next 消费最多 n 个 rune，返回截取出的分量。
func (it *opIter) next(n int) Op {
	if !it.hasNext() {
		return Op{Kind: KindRetain, Count: n}
	}
	cur := it.ops[it.idx]
	remain := cur.Len() - it.offset
	if n >= remain {
		n = remain
	}
	var out Op
	if cur.Kind == KindInsert {
		r := []rune(cur.Text)
		out = Op{Kind: KindInsert, Text: string(r[it.offset : it.offset+n]), Attrs: cur.Attrs}
	} else {
		out = Op{Kind: cur.Kind, Count: n, Attrs: cur.Attrs}
	}
	it.offset += n
	if it.offset >= cur.Len() {
		it.idx++
		it.offset = 0
	}
	return out
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
