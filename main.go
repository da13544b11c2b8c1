package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"docquery_back/cache"
	"docquery_back/chat"
	"docquery_back/drift"
	"docquery_back/ingest"
	"docquery_back/queue"
	"docquery_back/retrieval"
	"docquery_back/storage"
	"docquery_back/vectorindex"
)

func mustLoadEnv() {
	_ = godotenv.Load()
}

func boolFromEnv(name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	return strings.EqualFold(raw, "1") || strings.EqualFold(raw, "true") || strings.EqualFold(raw, "yes")
}

func main() {
	mustLoadEnv()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := ingest.OpenDatabaseFromEnv()
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	if err := ingest.AutoMigrate(db); err != nil {
		log.Fatalf("migrate database: %v", err)
	}

	objects, err := storage.NewDocumentStorageFromEnv()
	if err != nil {
		log.Fatalf("init object storage: %v", err)
	}

	vectors, err := vectorindex.NewClientFromEnv()
	if err != nil {
		log.Fatalf("init vector index: %v", err)
	}

	embedder, err := ingest.NewHTTPEmbedderFromEnv()
	if err != nil {
		log.Fatalf("init embedder: %v", err)
	}

	// Redis backs the job queue, the answer cache and the scheduler lock;
	// the queue cannot run without it.
	redisClient, err := cache.GetRedisClient()
	if err != nil {
		log.Fatalf("connect redis: %v", err)
	}

	jobs, err := queue.New(redisClient, queue.ConfigFromEnv())
	if err != nil {
		log.Fatalf("init job queue: %v", err)
	}

	chunkDefaults := ingest.ChunkConfigFromEnv()

	worker, err := ingest.NewWorker(db, objects, embedder, vectors, chunkDefaults)
	if err != nil {
		log.Fatalf("init ingestion worker: %v", err)
	}

	store, err := retrieval.NewStore(db)
	if err != nil {
		log.Fatalf("init retrieval store: %v", err)
	}

	chatClient, err := chat.NewChatClientFromEnv()
	if err != nil {
		log.Fatalf("init chat client: %v", err)
	}

	reranker, err := retrieval.NewLLMReranker(chatClient.Complete)
	if err != nil {
		log.Fatalf("init reranker: %v", err)
	}

	engine, err := retrieval.NewEngine(store, embedder, vectors, reranker, retrieval.ConfigFromEnv())
	if err != nil {
		log.Fatalf("init retrieval engine: %v", err)
	}

	registry, err := chat.LoadPromptRegistryFromEnv()
	if err != nil {
		log.Fatalf("load prompt registry: %v", err)
	}

	orchestrator, err := chat.NewOrchestrator(engine, chatClient, registry, chat.GuardConfigFromEnv(), redisClient)
	if err != nil {
		log.Fatalf("init chat orchestrator: %v", err)
	}

	detector, err := drift.NewDetector(db, embedder.ModelVersion())
	if err != nil {
		log.Fatalf("init drift detector: %v", err)
	}

	reindexer, err := drift.NewReindexer(db, worker, chunkDefaults)
	if err != nil {
		log.Fatalf("init reindexer: %v", err)
	}

	r := gin.Default()
	r.Use(cors.Default())

	ingestModule, err := ingest.NewModule(db, objects, jobs, chunkDefaults)
	if err != nil {
		log.Fatalf("init ingest module: %v", err)
	}
	ingestModule.RegisterRoutes(r)

	retrievalModule, err := retrieval.NewModule(engine)
	if err != nil {
		log.Fatalf("init retrieval module: %v", err)
	}
	retrievalModule.RegisterRoutes(r)

	chatModule, err := chat.NewModule(orchestrator)
	if err != nil {
		log.Fatalf("init chat module: %v", err)
	}
	chatModule.RegisterRoutes(r)

	driftModule, err := drift.NewModule(db, detector, reindexer)
	if err != nil {
		log.Fatalf("init drift module: %v", err)
	}
	driftModule.RegisterRoutes(r)

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	if boolFromEnv("RUN_WORKER", true) {
		go func() {
			if err := jobs.Consume(ctx, worker.HandleMessage); err != nil && ctx.Err() == nil {
				log.Printf("ingestion consumer stopped: %v", err)
			}
		}()
	}

	if boolFromEnv("RUN_SCHEDULER", true) {
		scheduler, err := drift.NewScheduler(detector, reindexer)
		if err != nil {
			log.Fatalf("init drift scheduler: %v", err)
		}
		go scheduler.Run(ctx)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	if err := r.Run(":" + port); err != nil {
		log.Fatalf("start server: %v", err)
	}
}
