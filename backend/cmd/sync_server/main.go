package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/shridhar2011/mixer/backend/config"
	"github.com/shridhar2011/mixer/backend/internal/cache"
	"github.com/shridhar2011/mixer/backend/internal/codec"
	"github.com/shridhar2011/mixer/backend/internal/datasync"
	"github.com/shridhar2011/mixer/backend/internal/httpapi"
	"github.com/shridhar2011/mixer/backend/internal/httpapi/handlers"
	"github.com/shridhar2011/mixer/backend/internal/mirror"
	"github.com/shridhar2011/mixer/backend/internal/store"
	"github.com/shridhar2011/mixer/backend/internal/transport"
	"github.com/shridhar2011/mixer/backend/internal/ws"
)

const checkpointInterval = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}
	log.Printf("config: port=%d backend=%s kafka=%v session=%s",
		cfg.Running.Port, cfg.Mirror.Backend, cfg.Kafka.Enabled, cfg.Sync.SessionID)

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	jsonCodec := codec.NewJSONCodec()

	// redis：镜像后端（可选）+ 会话在线状态
	var rdb *redis.Client
	if cfg.Mirror.Backend == "redis" || cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			if cfg.Mirror.Backend == "redis" {
				log.Fatalf("Failed to connect to redis: %v", err)
			}
			log.Printf("redis unavailable, presence disabled: %v", err)
			_ = rdb.Close()
			rdb = nil
		}
	}
	if rdb != nil {
		defer rdb.Close()
	}

	// === 镜像存储 ===
	var mirrorStore mirror.Store
	switch cfg.Mirror.Backend {
	case "redis":
		mirrorStore = mirror.NewRedisStore(rdb, jsonCodec)
	case "mysql":
		gdb, err := store.InitMySQL(cfg.Mysql.DSN)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		gm := store.NewGormMirror(gdb, jsonCodec)
		if err := gm.AutoMigrate(); err != nil {
			log.Fatalf("auto migrate failed: %v", err)
		}
		mirrorStore = gm
		if rdb != nil {
			// mysql 前加 redis 读缓存
			mirrorStore = mirror.NewCachedStore(gm, rdb, jsonCodec)
		}
	default:
		mirrorStore = mirror.NewMemoryStore()
	}

	// 检查点需要 mysql
	var checkpoints *store.CheckpointStore
	if cfg.Mysql.DSN != "" {
		db, err := sql.Open("mysql", cfg.Mysql.DSN)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer db.Close()
		if err := db.PingContext(ctx); err != nil {
			log.Printf("mysql unavailable, checkpoints disabled: %v", err)
		} else {
			checkpoints = store.NewCheckpointStore(db)
			if err := checkpoints.EnsureSchema(ctx); err != nil {
				log.Fatalf("create checkpoint table failed: %v", err)
			}
		}
	}

	// === 出站传输：会话广播 + 可选 Kafka ===
	var presence cache.PresenceCache
	if rdb != nil {
		presence = cache.NewRedisPresence(rdb)
	}
	hub := ws.NewHub(presence)
	outbound := transport.Fanout{hub.Session(cfg.Sync.SessionID)}

	var dispatcher *transport.KafkaDispatcher
	if cfg.Kafka.Enabled {
		producer, err := transport.NewSyncProducer(cfg.Kafka.Brokers)
		if err != nil {
			log.Fatalf("Failed to connect kafka: %v", err)
		}
		dispatcher, err = transport.NewKafkaDispatcher(
			producer,
			cfg.Kafka.Topic,
			cfg.Sync.SessionID,
			transport.KafkaDispatcherOptions{
				QueueSize:   cfg.Kafka.QueueSize,
				MaxRetry:    cfg.Kafka.MaxRetry,
				BaseBackoff: cfg.Kafka.BaseBackoff,
				MaxBackoff:  cfg.Kafka.MaxBackoff,
				Logger:      logger,
			},
		)
		if err != nil {
			log.Fatalf("init kafka dispatcher failed: %v", err)
		}
		outbound = append(outbound, dispatcher)
		defer closeKafka(dispatcher, producer)
	}

	capability := datasync.NewCapability(cfg.Sync.Experimental)
	dirty := datasync.NewDirtyFlag()
	if checkpoints != nil {
		restoreGeneration(ctx, checkpoints, cfg.Sync.SessionID, dirty)
	}
	dirty.OnDirty(func(generation uint64) {
		logger.Debug("mirror: dirty", "generation", generation)
	})

	sc := &datasync.SyncContext{
		Enabled:   capability.Enabled,
		Store:     mirrorStore,
		Transport: outbound,
		Codec:     jsonCodec,
		Dirty:     dirty,
		Logger:    logger,
	}
	applier := datasync.NewApplier(sc)
	batcher := datasync.NewBatcher(sc)

	// 所有连接共用一个信号量，入站指令逐条应用
	manager := ws.NewManager(hub, applier, ws.NewSemaphoreControl(1), capability.Enabled, cfg.Sync.SessionID)

	h := &handlers.SyncHandler{
		Capability: capability,
		Mirror:     mirrorStore,
		Batcher:    batcher,
		Generation: dirty.Generation,
		SessionID:  cfg.Sync.SessionID,
	}
	if checkpoints != nil {
		h.Checkpoints = checkpoints
	}
	r := httpapi.NewRouter(h, httpapi.Options{
		AuthSecret:  cfg.Auth.Secret,
		CorsEnabled: cfg.Cors.Enabled,
		WebSocket:   manager.WebSocketConnect,
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Running.Port),
		Handler: r,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("sync server listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if checkpoints != nil {
		g.Go(func() error {
			checkpointLoop(gctx, mirrorStore, checkpoints, cfg.Sync.SessionID, dirty)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		log.Printf("sync server stopped: %v", err)
	}
}

// checkpointLoop 定期保存检查点，generation 没变化时跳过
func checkpointLoop(ctx context.Context, st mirror.Store, cp handlers.Checkpointer, sessionID string, dirty *datasync.DirtyFlag) {
	ticker := time.NewTicker(checkpointInterval)
	defer ticker.Stop()
	var saved uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			gen := dirty.Generation()
			if gen == saved {
				continue
			}
			if _, err := handlers.SaveCheckpoint(ctx, st, cp, sessionID, gen); err != nil {
				log.Printf("save checkpoint error: %v", err)
				continue
			}
			saved = gen
		}
	}
}

// restoreGeneration 让 generation 接着上一次运行的检查点递增，避免重启后和已有检查点撞号
func restoreGeneration(ctx context.Context, cp handlers.Checkpointer, sessionID string, dirty *datasync.DirtyFlag) {
	gen, _, err := cp.LatestCheckpoint(ctx, sessionID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return
	case err != nil:
		log.Fatalf("load latest checkpoint failed: %v", err)
	}
	dirty.Restore(gen)
	log.Printf("checkpoint generation restored: session=%s generation=%d", sessionID, gen)
}

func closeKafka(d *transport.KafkaDispatcher, producer sarama.SyncProducer) {
	// 先停 worker（排空队列），再关 producer
	if err := d.Close(); err != nil {
		log.Printf("close kafka dispatcher: %v", err)
	}
	if err := producer.Close(); err != nil {
		log.Printf("close kafka producer: %v", err)
	}
}
