package handlers

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"

	"github.com/shridhar2011/mixer/backend/internal/mirror"
	"github.com/shridhar2011/mixer/backend/internal/proxy"
	"github.com/shridhar2011/mixer/backend/internal/wire"
)

type Capability interface {
	Enabled() bool
	Set(v bool)
}

type Batcher interface {
	SendUpdates(ctx context.Context, updates []*proxy.Snapshot) int
	SendRemovals(ctx context.Context, removals []wire.Removal) int
}

// Checkpointer 由 store.CheckpointStore 实现；未配置 mysql 时为 nil
type Checkpointer interface {
	SaveCheckpoint(ctx context.Context, sessionID string, generation uint64, content []byte) error
	LatestCheckpoint(ctx context.Context, sessionID string) (uint64, []byte, error)
}

type SyncHandler struct {
	Capability  Capability
	Mirror      mirror.Store
	Batcher     Batcher
	Checkpoints Checkpointer
	// 镜像当前 generation（DirtyFlag.Generation）
	Generation func() uint64
	SessionID  string
}

type capabilityRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

func (h *SyncHandler) GetCapability(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"enabled": h.Capability.Enabled()})
}

func (h *SyncHandler) PutCapability(c *gin.Context) {
	var req capabilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.Capability.Set(*req.Enabled)
	log.Printf("sync capability set to %v", *req.Enabled)
	c.JSON(http.StatusOK, gin.H{"enabled": h.Capability.Enabled()})
}

func (h *SyncHandler) ListCollection(c *gin.Context) {
	collection := c.Param("collection")
	items, err := h.Mirror.List(c.Request.Context(), collection)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if items == nil {
		items = []*proxy.Snapshot{}
	}
	c.JSON(http.StatusOK, gin.H{"collection": collection, "items": items})
}

func (h *SyncHandler) GetEntry(c *gin.Context) {
	s, err := h.Mirror.Get(c.Request.Context(), c.Param("collection"), c.Param("key"))
	if errors.Is(err, mirror.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, s)
}

// PostUpdates 本地变更刷出：请求体是快照数组，逐项交给 Batcher
func (h *SyncHandler) PostUpdates(c *gin.Context) {
	var updates []*proxy.Snapshot
	if err := c.ShouldBindJSON(&updates); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sent := h.Batcher.SendUpdates(c.Request.Context(), updates)
	c.JSON(http.StatusAccepted, gin.H{"received": len(updates), "sent": sent})
}

func (h *SyncHandler) PostRemovals(c *gin.Context) {
	var removals []wire.Removal
	if err := c.ShouldBindJSON(&removals); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sent := h.Batcher.SendRemovals(c.Request.Context(), removals)
	c.JSON(http.StatusAccepted, gin.H{"received": len(removals), "sent": sent})
}

// PostCheckpoint 把整个镜像写成当前 generation 的检查点
func (h *SyncHandler) PostCheckpoint(c *gin.Context) {
	if h.Checkpoints == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "CHECKPOINTS_DISABLED"})
		return
	}
	ctx := c.Request.Context()
	generation, err := SaveCheckpoint(ctx, h.Mirror, h.Checkpoints, h.SessionID, h.generation())
	if err != nil {
		log.Printf("save checkpoint error: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "SAVE_CHECKPOINT_FAILED"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessionId": h.SessionID, "generation": generation})
}

func (h *SyncHandler) GetCheckpoint(c *gin.Context) {
	if h.Checkpoints == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "CHECKPOINTS_DISABLED"})
		return
	}
	generation, content, err := h.Checkpoints.LatestCheckpoint(c.Request.Context(), h.SessionID)
	if errors.Is(err, sql.ErrNoRows) {
		c.JSON(http.StatusNotFound, gin.H{"error": "NO_CHECKPOINT"})
		return
	}
	if err != nil {
		log.Printf("load checkpoint error: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "LOAD_CHECKPOINT_FAILED"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessionId": h.SessionID, "generation": generation, "content": json.RawMessage(content)})
}

func (h *SyncHandler) generation() uint64 {
	if h.Generation == nil {
		return 0
	}
	return h.Generation()
}

// SaveCheckpoint 导出镜像并保存，返回保存时的 generation
func SaveCheckpoint(ctx context.Context, st mirror.Store, cp Checkpointer, sessionID string, generation uint64) (uint64, error) {
	dump, err := mirror.Dump(ctx, st)
	if err != nil {
		return 0, err
	}
	content, err := json.Marshal(dump)
	if err != nil {
		return 0, err
	}
	if err := cp.SaveCheckpoint(ctx, sessionID, generation, content); err != nil {
		return 0, err
	}
	return generation, nil
}
