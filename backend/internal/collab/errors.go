package collab

import "errors"

// 错误码分两类：
//   - REVISION_CONFLICT 是追加路径内部的可重试信号，引擎吸收后重新合并，
//     不跨组件边界；
//   - 其余错误带着明确语义返回给调用方，由客户端决定重载/重试/人工合并。
var (
	ErrRevisionConflict      = errors.New("REVISION_CONFLICT")
	ErrInvalidBaseRevision   = errors.New("INVALID_BASE_REVISION")
	ErrResolutionExhausted   = errors.New("RESOLUTION_EXHAUSTED")
	ErrStorageUnavailable    = errors.New("STORAGE_UNAVAILABLE")
	ErrDuplicateOrOutOfOrder = errors.New("DUPLICATE_OR_OUT_OF_ORDER")
	ErrDocumentNotFound      = errors.New("DOCUMENT_NOT_FOUND")
	ErrInvalidOperation      = errors.New("INVALID_OPERATION")
)
