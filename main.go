package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"docqa_back/cache"
	"docqa_back/ingestion"
	"docqa_back/queue"
	"docqa_back/rag"
	"docqa_back/storage"
	"docqa_back/vectorindex"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

func mustLoadEnv() {
	_ = godotenv.Load()
}

func main() {
	mustLoadEnv()

	files, err := storage.NewFileStoreFromEnv()
	if err != nil {
		log.Fatalf("init file store: %v", err)
	}

	index, err := vectorindex.NewIndexFromEnv()
	if err != nil {
		log.Fatalf("init vector index: %v", err)
	}

	provider, err := rag.NewProviderFromEnv()
	if err != nil {
		log.Fatalf("init provider: %v", err)
	}

	redisClient, err := cache.GetRedisClient()
	if err != nil {
		log.Fatalf("connect redis: %v", err)
	}
	defer cache.Close()

	ingestQueue, err := queue.NewQueue(redisClient)
	if err != nil {
		log.Fatalf("init ingestion queue: %v", err)
	}

	r := gin.Default()
	r.Use(cors.Default())

	ingestModule, err := ingestion.RegisterRoutes(r, files, ingestQueue, index)
	if err != nil {
		log.Fatalf("register document routes: %v", err)
	}

	if _, err := rag.RegisterRoutes(r, index, provider); err != nil {
		log.Fatalf("register query routes: %v", err)
	}

	queue.RegisterAdminRoutes(r, ingestQueue)

	pipeline := ingestion.NewPipeline(ingestModule.DB(), files, index, provider)
	workers, err := queue.NewWorkerPool(ingestQueue, pipeline)
	if err != nil {
		log.Fatalf("init worker pool: %v", err)
	}

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	workers.Start(workerCtx)
	defer func() {
		stopWorkers()
		workers.Stop()
	}()

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		stopWorkers()
		workers.Stop()
		os.Exit(0)
	}()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	if err := r.Run(":" + port); err != nil {
		log.Fatalf("start server: %v", err)
	}
}
