package main

import (
	"context"
	"fmt"
	"log"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/XIN2025/health-assistant/pkg/chat"
	"github.com/XIN2025/health-assistant/pkg/clients"
	"github.com/XIN2025/health-assistant/pkg/config"
	"github.com/XIN2025/health-assistant/pkg/database"
	"github.com/XIN2025/health-assistant/pkg/embeddings"
	"github.com/XIN2025/health-assistant/pkg/graphstore"
	"github.com/XIN2025/health-assistant/pkg/oracle"
	"github.com/XIN2025/health-assistant/pkg/server"
	"github.com/XIN2025/health-assistant/pkg/vectorstore"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg := config.Load()
	ctx := context.Background()

	// Database Connection
	db, err := database.NewPostgresDB(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	// Initialize Schema
	if err := db.InitSchema(ctx); err != nil {
		log.Fatalf("Failed to initialize schema: %v", err)
	}
	if err := db.EnsureVectorExtension(ctx); err != nil {
		log.Fatalf("Failed to enable pgvector: %v", err)
	}
	if err := db.CreateEmbeddingsTable(ctx, cfg.CollectionName, embeddings.EmbeddingDimension); err != nil {
		log.Fatalf("Failed to create embeddings table: %v", err)
	}

	// Stores and Index
	graph := graphstore.NewStore(db.Pool)

	embedder, err := embeddings.NewGoogleEmbedder(ctx, cfg.EmbeddingModel, cfg.GoogleApiKey)
	if err != nil {
		log.Fatalf("Failed to create embedder: %v", err)
	}

	pgStore, err := vectorstore.NewPGVectorStore(db.Pool, cfg.CollectionName)
	if err != nil {
		log.Fatalf("Failed to create vector store: %v", err)
	}
	index := vectorstore.NewEntityIndex(pgStore, embedder, cfg.ChunkSize, cfg.ChunkOverlap)

	// LLM Oracle
	llm, err := clients.GoogleAi(ctx, clients.ProModel)
	if err != nil {
		log.Fatalf("Failed to create LLM client: %v", err)
	}
	oracleClient := oracle.NewClient(llm)

	// Initialize Chat Service
	chatSvc, err := chat.NewService(ctx, db, graph, index, oracleClient, cfg)
	if err != nil {
		log.Fatalf("Failed to init chat service: %v", err)
	}

	// Initialize Service & Handler
	svc := server.NewService(db, graph, index, oracleClient, cfg)
	handler := server.NewHandler(svc, chatSvc)

	// Web Server Setup
	r := gin.Default()

	// CORS Setup
	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"}, // Allow all for dev
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Mcp-Session-Id"},
		ExposeHeaders:    []string{"Content-Length", "Mcp-Session-Id"},
		AllowCredentials: true,
	}))

	handler.RegisterRoutes(r)

	fmt.Printf("Server starting on port %s\n", cfg.Port)
	if err := r.Run(":" + cfg.Port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
