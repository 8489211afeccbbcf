package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"docsync/backend/config"
	"docsync/backend/internal/cache"
	"docsync/backend/internal/collab"
	"docsync/backend/internal/httpapi/handlers"
	"docsync/backend/internal/store"
	"docsync/backend/internal/ws"
)

func initConfig() (*config.Config, error) {
	cfg := &config.Config{}
	v := viper.New()
	v.SetConfigName("collabConfig")
	v.SetConfigType("yaml")
	// 兼容从项目根目录或 backend 目录启动
	v.AddConfigPath("./backend/config")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	cfg, err := initConfig()
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}

	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Redis.Addrs,
		Password: cfg.Redis.Password,
	})
	if err = rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("Failed to connect to redis: %v", err)
	}
	defer rdb.Close()

	gdb, err := store.InitMySQL(cfg.Mysql.DSN)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	db, err := gdb.DB()
	if err != nil {
		log.Fatalf("Failed to get sql.DB: %v", err)
	}
	defer db.Close()

	// === 初始化 Kafka Producer ===
	kafkaCfg := sarama.NewConfig()
	// SyncProducer 必须开启 Return.Successes
	kafkaCfg.Producer.Return.Successes = true
	kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
	producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
	if err != nil {
		log.Fatalf("Failed to connect kafka: %v", err)
	}
	defer producer.Close()

	sessionTTL := time.Duration(cfg.Collab.SessionTTLSeconds) * time.Second
	presenceCache := cache.NewRedisPresence(rdb, sessionTTL)
	hub := ws.NewHub(presenceCache)

	// 在线状态清扫：把心跳键过期的会话从房间集合里摘掉
	sweeper := cache.NewSweeper(presenceCache, time.Duration(cfg.Collab.SweepIntervalSeconds)*time.Second)
	go sweeper.Run(context.Background())

	kafkaSem := collab.NewSemaphoreControl(256)
	wsSem := collab.NewSemaphoreControl(cfg.Collab.MaxConcurrentSubmits)

	// Kafka 本地队列 + worker 重试发送
	kafkaDispatcher := collab.NewKafkaDispatcher(
		producer,
		cfg.Kafka.Topic,
		kafkaSem,
		collab.KafkaDispatcherOptions{
			// Go 允许在数字里用下划线做分隔符，方便阅读
			QueueSize:   10_000,
			Workers:     4,
			MaxRetry:    3,
			BaseBackoff: 50 * time.Millisecond,
			MaxBackoff:  1 * time.Second,
		},
	)

	svc := collab.NewService(collab.Options{
		RingCap:         cfg.Collab.RingCap,
		CheckpointEvery: cfg.Collab.CheckpointEvery,
		Snapshots:       store.NewSnapshotStore(db),
		Ops:             store.NewOpStore(db),
		Documents:       store.NewDocumentStore(db),
		Broadcaster:     hub,
		Dispatcher:      kafkaDispatcher,
	})
	manager := ws.NewManager(hub, svc, wsSem)
	api := handlers.NewHandler(svc, presenceCache)

	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())

	// 浏览器编辑器跨域直连（含 file:// 场景的 Origin: null）
	r.Use(cors.New(cors.Config{
		AllowOriginFunc:  func(origin string) bool { return true },
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	// 路由
	collabGroup := r.Group("/collab")
	collabGroup.GET("/ws", manager.WebSocketConnect)
	collabGroup.POST("/documents", api.CreateDocument)
	collabGroup.GET("/documents/:docID/snapshot", api.GetSnapshot)
	collabGroup.GET("/documents/:docID/ops", api.GetOps)
	collabGroup.POST("/documents/:docID/ops", api.SubmitOp)
	collabGroup.GET("/documents/:docID/base-status", api.GetBaseStatus)
	collabGroup.GET("/documents/:docID/presence", api.GetPresence)
	collabGroup.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"message": "ok"})
	})

	_ = r.Run(fmt.Sprintf(":%d", cfg.Running.Port))
}
