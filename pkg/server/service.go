package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/XIN2025/health-assistant/pkg/config"
	"github.com/XIN2025/health-assistant/pkg/database"
	"github.com/XIN2025/health-assistant/pkg/graphstore"
	"github.com/XIN2025/health-assistant/pkg/oracle"
	"github.com/XIN2025/health-assistant/pkg/retrieval"
	"github.com/XIN2025/health-assistant/pkg/vectorstore"
)

type Service struct {
	DB     *database.PostgresDB
	Graph  *graphstore.Store
	Index  *vectorstore.EntityIndex
	Oracle *oracle.Client
	Cfg    *config.Config
}

func NewService(db *database.PostgresDB, graph *graphstore.Store, index *vectorstore.EntityIndex, oracleClient *oracle.Client, cfg *config.Config) *Service {
	return &Service{
		DB:     db,
		Graph:  graph,
		Index:  index,
		Oracle: oracleClient,
		Cfg:    cfg,
	}
}

// NewEngine builds a workflow engine over the shared stores. Engines are
// cheap; each run gets its own so per-run hooks never race.
func (s *Service) NewEngine() *retrieval.Engine {
	engine := retrieval.NewEngine(s.Graph, s.Index, s.Oracle)
	engine.TopK = s.Cfg.TopK
	return engine
}

type Run struct {
	ID        uuid.UUID       `json:"id"`
	Query     string          `json:"query"`
	Status    string          `json:"status"`
	MaxDepth  int             `json:"max_depth"`
	Context   json.RawMessage `json:"context,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type CreateRunRequest struct {
	Query    string `json:"query" binding:"required"`
	MaxDepth int    `json:"max_depth"`
}

func (s *Service) CreateRun(ctx context.Context, req CreateRunRequest) (*Run, error) {
	maxDepth := req.MaxDepth
	if maxDepth <= 0 {
		maxDepth = s.Cfg.MaxDepth
	}

	runID := uuid.New()
	query := `
		INSERT INTO retrieval_runs (id, query, status, max_depth)
		VALUES ($1, $2, 'pending', $3)
		RETURNING id, query, status, max_depth, created_at, updated_at
	`

	run := &Run{}
	err := s.DB.Pool.QueryRow(ctx, query, runID, req.Query, maxDepth).Scan(
		&run.ID, &run.Query, &run.Status, &run.MaxDepth, &run.CreatedAt, &run.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	// Start background worker
	go s.runWorker(run.ID, req.Query, maxDepth)

	return run, nil
}

func (s *Service) GetRun(ctx context.Context, id uuid.UUID) (*Run, error) {
	query := `
		SELECT id, query, status, max_depth, context, created_at, updated_at
		FROM retrieval_runs
		WHERE id = $1
	`
	run := &Run{}
	err := s.DB.Pool.QueryRow(ctx, query, id).Scan(
		&run.ID, &run.Query, &run.Status, &run.MaxDepth, &run.Context, &run.CreatedAt, &run.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

func (s *Service) ListRuns(ctx context.Context) ([]Run, error) {
	query := `
		SELECT id, query, status, max_depth, context, created_at, updated_at
		FROM retrieval_runs
		ORDER BY created_at DESC
		LIMIT 50
	`
	rows, err := s.DB.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var run Run
		if err := rows.Scan(&run.ID, &run.Query, &run.Status, &run.MaxDepth, &run.Context, &run.CreatedAt, &run.UpdatedAt); err != nil {
			continue
		}
		runs = append(runs, run)
	}
	return runs, nil
}

type LogEntry struct {
	ID        int             `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Level     string          `json:"level"`
	Message   string          `json:"message"`
	Metadata  json.RawMessage `json:"metadata"`
}

func (s *Service) GetRunLogs(ctx context.Context, runID uuid.UUID) ([]LogEntry, error) {
	query := `
		SELECT id, timestamp, level, message, metadata
		FROM retrieval_logs
		WHERE run_id = $1
		ORDER BY id ASC
	`
	rows, err := s.DB.Pool.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get logs: %w", err)
	}
	defer rows.Close()

	var logs []LogEntry
	for rows.Next() {
		var l LogEntry
		if err := rows.Scan(&l.ID, &l.Timestamp, &l.Level, &l.Message, &l.Metadata); err != nil {
			continue
		}
		logs = append(logs, l)
	}
	return logs, nil
}

func (s *Service) runWorker(runID uuid.UUID, query string, maxDepth int) {
	ctx := context.Background()

	_, _ = s.DB.Pool.Exec(ctx, "UPDATE retrieval_runs SET status = 'running', updated_at = NOW() WHERE id = $1", runID)

	dbLogger := slog.New(NewDBLogHandler(s.DB, runID))

	engine := s.NewEngine()
	engine.Logger = dbLogger

	// Persist state snapshots so a watcher can follow the run's progress.
	engine.OnStateUpdate = func(state retrieval.AgentState) {
		stateJSON, err := json.Marshal(state)
		if err != nil {
			dbLogger.Error("Failed to marshal state", "error", err)
			return
		}

		_, err = s.DB.Pool.Exec(context.Background(),
			"UPDATE retrieval_runs SET state = $2, updated_at = NOW() WHERE id = $1",
			runID, stateJSON)
		if err != nil {
			dbLogger.Error("Failed to save state to DB", "error", err)
		}
	}

	pieces := engine.RetrieveContext(ctx, query, maxDepth)

	contextJSON, err := json.Marshal(pieces)
	if err != nil {
		s.failRun(ctx, runID, fmt.Sprintf("Failed to marshal context: %v", err))
		return
	}

	_, err = s.DB.Pool.Exec(ctx,
		"UPDATE retrieval_runs SET status = 'completed', context = $2, updated_at = NOW() WHERE id = $1",
		runID, contextJSON)
	if err != nil {
		dbLogger.Error("Failed to save final context to DB", "error", err)
	}
}

func (s *Service) failRun(ctx context.Context, runID uuid.UUID, reason string) {
	dbLogger := slog.New(NewDBLogHandler(s.DB, runID))
	dbLogger.Error(reason)

	_, _ = s.DB.Pool.Exec(ctx, "UPDATE retrieval_runs SET status = 'failed', updated_at = NOW() WHERE id = $1", runID)
}
