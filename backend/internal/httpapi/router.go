package httpapi

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/shridhar2011/mixer/backend/internal/httpapi/handlers"
	"github.com/shridhar2011/mixer/backend/internal/httpapi/middleware"
)

type Options struct {
	// 为空时不挂鉴权
	AuthSecret  string
	CorsEnabled bool
	// websocket 入口（ws.Manager.WebSocketConnect），可以为 nil
	WebSocket gin.HandlerFunc
}

func NewRouter(h *handlers.SyncHandler, opt Options) *gin.Engine {
	r := gin.New()
	// 中间件
	r.Use(gin.Logger())
	r.Use(gin.Recovery())

	if opt.CorsEnabled {
		r.Use(cors.New(cors.Config{
			// 允许任意来源（包含 file:// 场景的 Origin: null）
			AllowOriginFunc:  func(origin string) bool { return true },
			AllowMethods:     []string{"GET", "POST", "PUT", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
			ExposeHeaders:    []string{"Content-Length"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"message": "ok",
		})
	})

	sync := r.Group("/sync")
	if opt.AuthSecret != "" {
		// 从 Authorization 或 ?token= 提取 token，写入 userId/username
		sync.Use(middleware.AuthMiddleware(opt.AuthSecret))
	}
	if opt.WebSocket != nil {
		sync.GET("/ws", opt.WebSocket)
	}
	sync.GET("/capability", h.GetCapability)
	sync.PUT("/capability", h.PutCapability)
	sync.GET("/mirror/:collection", h.ListCollection)
	sync.GET("/mirror/:collection/:key", h.GetEntry)
	sync.POST("/updates", h.PostUpdates)
	sync.POST("/removals", h.PostRemovals)
	sync.GET("/checkpoint", h.GetCheckpoint)
	sync.POST("/checkpoint", h.PostCheckpoint)

	return r
}
