package collab

import (
	"docsync/backend/internal/ot/delta"
)

// Buffer 是文档内容的物化缓冲区，只被单写者的追加路径修改。
type Buffer interface {
	Len() int
	Apply(d delta.Delta) error
	String() string
}

/*
piece table 结构示例

初始文档内容 "Hello world"：

- original buffer 内容："Hello world"
- add buffer 为空
- piece 表：

  [ (orig, offset=0, length=11) ]

在位置 5 插入 " collaborative"：
- add buffer 末尾追加 " collaborative"
- piece 表从一条拆成三条：

  [
    (orig, offset=0, length=5),   // "Hello"
    (add,  offset=0, length=14),  // " collaborative"
    (orig, offset=5, length=6),   // " world"
  ]

删除只调整/拆分 piece，两个 buffer 都只增不减，
因此历史版本的重放（确定性校验）代价稳定。
*/
