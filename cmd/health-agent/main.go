package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/XIN2025/health-assistant/pkg/clients"
	"github.com/XIN2025/health-assistant/pkg/config"
	"github.com/XIN2025/health-assistant/pkg/database"
	"github.com/XIN2025/health-assistant/pkg/embeddings"
	"github.com/XIN2025/health-assistant/pkg/graphstore"
	"github.com/XIN2025/health-assistant/pkg/oracle"
	"github.com/XIN2025/health-assistant/pkg/retrieval"
	"github.com/XIN2025/health-assistant/pkg/vectorstore"
)

var (
	query    string
	maxDepth int
	stream   bool
)

func main() {
	// Setup structured logging
	handler := slog.NewTextHandler(os.Stdout, nil)
	slog.SetDefault(slog.New(handler))
	cfg := config.Load()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		// It's okay if .env doesn't exist, as long as env vars are set
	}

	rootCmd := &cobra.Command{
		Use:   "health-agent",
		Short: "A terminal-based graph retrieval agent",
		Long:  `health-agent explores a patient knowledge graph for a query, iterating through similarity search, node exploration and relationship exploration until enough context is gathered.`,
		Run: func(cmd *cobra.Command, args []string) {

			queryFlagChanged := cmd.Flags().Changed("query")

			if !queryFlagChanged {
				// Interactive Mode
				reader := bufio.NewReader(os.Stdin)

				fmt.Print("Enter query: ")
				input, _ := reader.ReadString('\n')
				query = strings.TrimSpace(input)
				if query == "" {
					slog.Error("Query cannot be empty")
					os.Exit(1)
				}
			} else {
				if query == "" {
					slog.Error("--query flag provided but empty")
					os.Exit(1)
				}
			}

			ctx := context.Background()

			// Initialize DB
			db, err := database.NewPostgresDB(ctx, cfg.DatabaseURL)
			if err != nil {
				slog.Error("Failed to connect to database", "error", err)
				os.Exit(1)
			}
			defer db.Close()

			if err := db.InitSchema(ctx); err != nil {
				slog.Error("Failed to initialize schema", "error", err)
				os.Exit(1)
			}

			graph := graphstore.NewStore(db.Pool)

			embedder, err := embeddings.NewGoogleEmbedder(ctx, cfg.EmbeddingModel, cfg.GoogleApiKey)
			if err != nil {
				slog.Error("Failed to create embedder", "error", err)
				os.Exit(1)
			}

			pgStore, err := vectorstore.NewPGVectorStore(db.Pool, cfg.CollectionName)
			if err != nil {
				slog.Error("Failed to create vector store", "error", err)
				os.Exit(1)
			}
			index := vectorstore.NewEntityIndex(pgStore, embedder, cfg.ChunkSize, cfg.ChunkOverlap)

			llm, err := clients.GoogleAi(ctx, clients.ProModel)
			if err != nil {
				slog.Error("Failed to create LLM client", "error", err)
				os.Exit(1)
			}

			engine := retrieval.NewEngine(graph, index, oracle.NewClient(llm))
			engine.TopK = cfg.TopK

			slog.Info("Starting retrieval", "query", query, "maxDepth", maxDepth)

			if stream {
				for event := range engine.RetrieveContextStream(ctx, query, maxDepth) {
					data, err := json.Marshal(event)
					if err != nil {
						continue
					}
					fmt.Println(string(data))
				}
				return
			}

			pieces := engine.RetrieveContext(ctx, query, maxDepth)
			if len(pieces) == 0 {
				fmt.Println("No context found.")
				return
			}
			for _, p := range pieces {
				if p.IsImage() {
					fmt.Printf("[Image: %s] %s\n", p.Name, p.Summary)
					continue
				}
				fmt.Println(p.Text)
			}
		},
	}

	rootCmd.Flags().StringVarP(&query, "query", "q", "", "The query to retrieve context for")
	rootCmd.Flags().IntVarP(&maxDepth, "max-depth", "d", 3, "Maximum graph exploration depth")
	rootCmd.Flags().BoolVar(&stream, "stream", false, "Print workflow events as they happen")

	if err := rootCmd.Execute(); err != nil {
		slog.Error("Command execution failed", "error", err)
		os.Exit(1)
	}
}
