package delta

import (
	"reflect"
	"strings"
	"testing"
)

func apply(t *testing.T, doc string, d Delta) string {
	t.Helper()
	r := []rune(doc)
	out := make([]rune, 0, len(r))
	pos := 0
	for _, op := range d {
		switch op.Kind {
		case KindRetain:
			out = append(out, r[pos:pos+op.Count]...)
			pos += op.Count
		case KindInsert:
			out = append(out, []rune(op.Text)...)
		case KindDelete:
			pos += op.Count
		}
	}
	out = append(out, r[pos:]...)
	return string(out)
}

func TestTransform_SamePositionInsert(t *testing.T) {
	// 文档 "Hello"，A 在 5 插 " World"，B 在 5 插 "!"，都基于同一版本。
	// A 的会话号更小先落地，B 被 rebase 到位置 11。
	doc := "Hello"
	opA := Delta{{Kind: KindRetain, Count: 5}, {Kind: KindInsert, Text: " World"}}
	opB := Delta{{Kind: KindRetain, Count: 5}, {Kind: KindInsert, Text: "!"}}

	afterA := apply(t, doc, opA)
	if afterA != "Hello World" {
		t.Fatalf("afterA = %q, want %q", afterA, "Hello World")
	}

	transformed := Transform(opB, opA, true) // A 先到，同位插入 A 优先
	want := Delta{{Kind: KindRetain, Count: 11}, {Kind: KindInsert, Text: "!"}}
	if !Equal(transformed, want) {
		t.Fatalf("transformed = %+v, want %+v", transformed, want)
	}

	final := apply(t, afterA, transformed)
	if final != "Hello World!" {
		t.Fatalf("final = %q, want %q", final, "Hello World!")
	}
}

func TestTransform_SamePositionInsert_LocalFirst(t *testing.T) {
	// 同位插入但本地会话号更小：本地插入排在前面，不被平移。
	opB := Delta{{Kind: KindRetain, Count: 5}, {Kind: KindInsert, Text: "!"}}
	opA := Delta{{Kind: KindRetain, Count: 5}, {Kind: KindInsert, Text: " World"}}

	transformed := Transform(opB, opA, false)
	want := Delta{{Kind: KindRetain, Count: 5}, {Kind: KindInsert, Text: "!"}}
	if !Equal(transformed, want) {
		t.Fatalf("transformed = %+v, want %+v", transformed, want)
	}
}

func TestTransform_InsertSurvivesConcurrentDelete(t *testing.T) {
	// B 在被 A 整段删除的区域中插入，插入必须保留，删除缩窄。
	doc := "abcdef"
	del := Delta{{Kind: KindRetain, Count: 1}, {Kind: KindDelete, Count: 4}} // 删 "bcde"
	ins := Delta{{Kind: KindRetain, Count: 3}, {Kind: KindInsert, Text: "XY"}}

	afterDel := apply(t, doc, del)
	if afterDel != "af" {
		t.Fatalf("afterDel = %q, want %q", afterDel, "af")
	}
	insT := Transform(ins, del, true)
	got := apply(t, afterDel, insT)
	if got != "aXYf" {
		t.Fatalf("apply(insT) = %q, want %q", got, "aXYf")
	}

	// 反方向：删除 rebase 过插入，只删原有的文本。
	afterIns := apply(t, doc, ins)
	if afterIns != "abcXYdef" {
		t.Fatalf("afterIns = %q, want %q", afterIns, "abcXYdef")
	}
	delT := Transform(del, ins, false)
	got = apply(t, afterIns, delT)
	if got != "aXYf" {
		t.Fatalf("apply(delT) = %q, want %q", got, "aXYf")
	}
}

func TestTransform_Convergence(t *testing.T) {
	// 两条路径（A 先 / B 先）必须收敛到同一份文档。
	cases := []struct {
		name   string
		doc    string
		a, b   Delta
		aFirst bool
	}{
		{
			name: "insert vs insert different pos",
			doc:  "0123456789",
			a:    Delta{{Kind: KindRetain, Count: 2}, {Kind: KindInsert, Text: "AA"}},
			b:    Delta{{Kind: KindRetain, Count: 7}, {Kind: KindInsert, Text: "B"}},
		},
		{
			name: "delete vs delete overlap",
			doc:  "0123456789",
			a:    Delta{{Kind: KindRetain, Count: 2}, {Kind: KindDelete, Count: 5}},
			b:    Delta{{Kind: KindRetain, Count: 4}, {Kind: KindDelete, Count: 4}},
		},
		{
			name: "insert inside delete",
			doc:  "0123456789",
			a:    Delta{{Kind: KindDelete, Count: 6}},
			b:    Delta{{Kind: KindRetain, Count: 3}, {Kind: KindInsert, Text: "xyz"}},
		},
		{
			name: "unicode runes",
			doc:  "日本語テスト",
			a:    Delta{{Kind: KindRetain, Count: 3}, {Kind: KindInsert, Text: "、"}},
			b:    Delta{{Kind: KindRetain, Count: 3}, {Kind: KindDelete, Count: 3}},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			// 路径1：先 a，再 transform(b, a)
			p1 := apply(t, apply(t, tc.doc, tc.a), Transform(tc.b, tc.a, true))
			// 路径2：先 b，再 transform(a, b)（优先级互补）
			p2 := apply(t, apply(t, tc.doc, tc.b), Transform(tc.a, tc.b, false))
			if p1 != p2 {
				t.Fatalf("divergence: path1=%q path2=%q", p1, p2)
			}
		})
	}
}

func TestTransform_Deterministic(t *testing.T) {
	a := Delta{{Kind: KindRetain, Count: 3}, {Kind: KindDelete, Count: 2}, {Kind: KindInsert, Text: "zz"}}
	b := Delta{{Kind: KindRetain, Count: 1}, {Kind: KindInsert, Text: "QQQ"}, {Kind: KindDelete, Count: 4}}
	first := Transform(a, b, true)
	for i := 0; i < 10; i++ {
		if got := Transform(a, b, true); !Equal(got, first) {
			t.Fatalf("transform not deterministic: run %d got %+v want %+v", i, got, first)
		}
	}
}

func TestTransformAll_ChainShiftsPositions(t *testing.T) {
	// 离线队列场景：目标区域已被服务端删除，排队的插入依次 rebase 后不能丢。
	doc := "0123456789"
	srv1 := Delta{{Kind: KindRetain, Count: 2}, {Kind: KindDelete, Count: 6}} // 删 "234567"
	srv2 := Delta{{Kind: KindInsert, Text: ">>"}}                             // 头部再插两个字符

	m := Delta{{Kind: KindRetain, Count: 5}, {Kind: KindInsert, Text: "foo"}}
	mT := TransformAll(m, []Delta{srv1, srv2}, func(int) bool { return true })

	cur := apply(t, apply(t, doc, srv1), srv2) // ">>0189"
	got := apply(t, cur, mT)
	if !strings.Contains(got, "foo") {
		t.Fatalf("got = %q, insert lost", got)
	}
	if mT.BaseLen() > len([]rune(cur)) {
		t.Fatalf("transformed delta base %d exceeds doc len %d", mT.BaseLen(), len([]rune(cur)))
	}
}

func TestNormalizeAndEqual(t *testing.T) {
	a := Delta{{Kind: KindInsert, Text: "ab"}, {Kind: KindInsert, Text: "cd"}, {Kind: KindRetain, Count: 3}}
	b := Delta{{Kind: KindInsert, Text: "abcd"}}
	if !Equal(a, b) {
		t.Fatalf("Equal(%+v, %+v) = false, want true", a, b)
	}
	if got := Normalize(a); !reflect.DeepEqual(got, Delta{{Kind: KindInsert, Text: "abcd"}}) {
		t.Fatalf("Normalize = %+v", got)
	}
}

func TestLenHelpers(t *testing.T) {
	d := Delta{{Kind: KindRetain, Count: 3}, {Kind: KindDelete, Count: 2}, {Kind: KindInsert, Text: "日本語"}}
	if got := d.BaseLen(); got != 5 {
		t.Fatalf("BaseLen() = %d, want 5", got)
	}
	if got := d.TargetLen(); got != 6 {
		t.Fatalf("TargetLen() = %d, want 6", got)
	}
}
