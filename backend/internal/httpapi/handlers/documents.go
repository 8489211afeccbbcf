package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"docsync/backend/internal/cache"
	"docsync/backend/internal/collab"

	"github.com/gin-gonic/gin"
)

// Handler 是 HTTP 面的协作入口。ws 是实时通道，这里是同步队列
// 排空（离线客户端逐条重放）和只读查询用的第二通道。
type Handler struct {
	svc      collab.Service
	presence cache.PresenceCache
}

func NewHandler(svc collab.Service, presence cache.PresenceCache) *Handler {
	return &Handler{svc: svc, presence: presence}
}

// statusOf 把引擎哨兵错误映射到 HTTP 状态码
func statusOf(err error) (int, string) {
	switch {
	case errors.Is(err, collab.ErrInvalidBaseRevision):
		return http.StatusConflict, "INVALID_BASE_REVISION"
	case errors.Is(err, collab.ErrResolutionExhausted):
		return http.StatusConflict, "RESOLUTION_EXHAUSTED"
	case errors.Is(err, collab.ErrDuplicateOrOutOfOrder):
		return http.StatusConflict, "DUPLICATE_OR_OUT_OF_ORDER"
	case errors.Is(err, collab.ErrDocumentNotFound):
		return http.StatusNotFound, "DOCUMENT_NOT_FOUND"
	case errors.Is(err, collab.ErrInvalidOperation):
		return http.StatusBadRequest, "INVALID_OPERATION"
	case errors.Is(err, collab.ErrStorageUnavailable):
		return http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

func abortWith(c *gin.Context, err error) {
	status, code := statusOf(err)
	c.JSON(status, gin.H{"error": code, "detail": err.Error()})
}

type createDocumentRequest struct {
	Title   string `json:"title" binding:"required"`
	OwnerID uint64 `json:"ownerId"`
}

func (h *Handler) CreateDocument(c *gin.Context) {
	var req createDocumentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_OPERATION", "detail": err.Error()})
		return
	}
	docID, err := h.svc.CreateDocument(c.Request.Context(), req.OwnerID, req.Title)
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"docId": docID, "ownerId": req.OwnerID, "title": req.Title, "createdAt": time.Now().Format(time.RFC3339)})
}

// GetSnapshot 返回物化内容和对应版本，二者来自同一个时间点
func (h *Handler) GetSnapshot(c *gin.Context) {
	docID := c.Param("docID")
	content, revision, err := h.svc.Snapshot(c.Request.Context(), docID)
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"docId": docID, "revision": revision, "content": content})
}

// GetOps 按 revision 升序返回 fromRevision 之后的已接受操作
func (h *Handler) GetOps(c *gin.Context) {
	docID := c.Param("docID")
	fromRevision, _ := strconv.ParseUint(c.DefaultQuery("fromRevision", "0"), 10, 64)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	ops, err := h.svc.OpsSince(c.Request.Context(), docID, fromRevision, limit)
	if err != nil {
		abortWith(c, err)
		return
	}
	current, err := h.svc.CurrentRevision(c.Request.Context(), docID)
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"docId": docID, "fromRevision": fromRevision, "currentRevision": current, "ops": ops})
}

// GetBaseStatus 让客户端在提交前探测自己的基准是否过期
func (h *Handler) GetBaseStatus(c *gin.Context) {
	docID := c.Param("docID")
	base, err := strconv.ParseUint(c.Query("baseRevision"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_OPERATION", "detail": "baseRevision must be a non-negative integer"})
		return
	}
	status, err := h.svc.ResolveBase(c.Request.Context(), docID, base)
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// SubmitOp 是同步队列排空用的提交通道。语义与 ws 的 op_submit
// 完全一致：同一个 operationId 重放多少次都只生效一次。
func (h *Handler) SubmitOp(c *gin.Context) {
	var op collab.Operation
	if err := c.ShouldBindJSON(&op); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "INVALID_OPERATION", "detail": err.Error()})
		return
	}
	op.DocID = c.Param("docID")
	acc, err := h.svc.Submit(c.Request.Context(), op)
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, acc)
}

// GetPresence 返回文档的活跃会话（心跳键还活着的）
func (h *Handler) GetPresence(c *gin.Context) {
	docID := c.Param("docID")
	sessions, err := h.presence.ListActive(c.Request.Context(), docID)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "STORAGE_UNAVAILABLE", "detail": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"docId": docID, "sessions": sessions})
}
