package collab

// resolveBase 校验客户端声称的基准版本相对当前版本的因果位置。
//
//   - base == current：快速路径，直接追加；
//   - base <  current：stale，有并发操作先落地，走合并路径；
//   - base >  current：客户端声称知道未来版本，协议违例，直接报错，
//     绝不静默修正。
func resolveBase(current, base uint64) (BaseStatus, error) {
	if base > current {
		return BaseStatus{}, ErrInvalidBaseRevision
	}
	return BaseStatus{CurrentRevision: current, Stale: base < current}, nil
}
