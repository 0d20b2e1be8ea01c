package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/malbeclabs/mcp-clickhouse/internal/metrics"
	"github.com/malbeclabs/mcp-clickhouse/internal/query"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type ListDatabasesInput struct{}

type ListTablesInput struct {
	Database string `json:"database" jsonschema:"database to list tables from"`
	Like     string `json:"like,omitempty" jsonschema:"optional LIKE pattern the table name must match"`
	NotLike  string `json:"not_like,omitempty" jsonschema:"optional LIKE pattern the table name must not match"`
}

type QueryRulesInput struct{}

type QueryInput struct {
	Query string `json:"query" jsonschema:"SQL query to run"`
}

// toolHandler returns the value to send as the tool's JSON text content.
type toolHandler[In any] func(ctx context.Context, in In) (any, error)

// addTool registers a tool whose response is a single JSON text content block, with call metrics.
func addTool[In any](log *slog.Logger, server *mcp.Server, name, description string, handle toolHandler[In]) error {
	schema, err := jsonschema.For[In](nil)
	if err != nil {
		return fmt.Errorf("failed to create %s input schema: %w", name, err)
	}

	mcp.AddTool(server, &mcp.Tool{
		Name:        name,
		Description: description,
		InputSchema: schema,
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in In) (*mcp.CallToolResult, any, error) {
		startTime := time.Now()
		out, err := handle(ctx, in)
		metrics.ToolCallDuration.WithLabelValues(name).Observe(time.Since(startTime).Seconds())
		if err != nil {
			log.Warn("mcp/tool: call failed", "tool", name, "error", err)
			metrics.ToolCallsTotal.WithLabelValues(name, "error").Inc()
			return nil, nil, err
		}

		body, err := json.Marshal(out)
		if err != nil {
			metrics.ToolCallsTotal.WithLabelValues(name, "error").Inc()
			return nil, nil, fmt.Errorf("failed to encode %s response: %w", name, err)
		}
		metrics.ToolCallsTotal.WithLabelValues(name, "success").Inc()
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: string(body)}},
		}, nil, nil
	})
	return nil
}

func (s *Server) registerTools() error {
	if s.cfg.Catalog != nil {
		if err := addTool(s.log, s.mcp, "list_databases", "List available ClickHouse databases", s.handleListDatabases); err != nil {
			return err
		}
		if err := addTool(s.log, s.mcp, "list_tables", `
			List available ClickHouse tables in a database, including schema, comment, row count,
			and column count. Optional like / not_like patterns filter table names.
		`, s.handleListTables); err != nil {
			return err
		}
		if err := addTool(s.log, s.mcp, "run_select_query", `
			Run a SELECT query in a ClickHouse database. Queries run in read-only mode.
			Returns {"columns": [...], "rows": [[...]]} or {"status": "error", "message": "..."}.
		`, s.queryHandler(query.DriverRemote)); err != nil {
			return err
		}
		if s.cfg.QueryRules != "" {
			if err := addTool(s.log, s.mcp, "get_query_rules", `
				Get the query rules and best practices for this ClickHouse deployment.
				Review them before writing queries.
			`, s.handleGetQueryRules); err != nil {
				return err
			}
		}
	}
	if s.cfg.Dispatcher.Enabled(query.DriverEmbedded) {
		if err := addTool(s.log, s.mcp, "run_chdb_select_query", `
			Run SQL in the embedded in-process engine. It can query local files and remote URLs
			directly through table functions without loading data first.
			Returns a list of row objects or {"status": "error", "message": "..."}.
		`, s.queryHandler(query.DriverEmbedded)); err != nil {
			return err
		}
	}
	return nil
}

// handleGetQueryRules returns JSON rules as-is and any other text as a JSON string.
func (s *Server) handleGetQueryRules(_ context.Context, _ QueryRulesInput) (any, error) {
	if json.Valid([]byte(s.cfg.QueryRules)) {
		return json.RawMessage(s.cfg.QueryRules), nil
	}
	return s.cfg.QueryRules, nil
}

func (s *Server) handleListDatabases(ctx context.Context, _ ListDatabasesInput) (any, error) {
	s.log.Info("mcp/tool: listing databases")
	databases, err := s.cfg.Catalog.ListDatabases(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list databases: %w", err)
	}
	return databases, nil
}

func (s *Server) handleListTables(ctx context.Context, in ListTablesInput) (any, error) {
	if in.Database == "" {
		return nil, errors.New("database is required")
	}
	s.log.Info("mcp/tool: listing tables", "database", in.Database, "like", in.Like, "not_like", in.NotLike)
	tables, err := s.cfg.Catalog.ListTables(ctx, in.Database, in.Like, in.NotLike)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	return tables, nil
}

// queryHandler runs the query through the dispatcher. Query failures and timeouts are regular
// responses; only unexpected failures are returned as tool errors.
func (s *Server) queryHandler(kind query.DriverKind) toolHandler[QueryInput] {
	return func(ctx context.Context, in QueryInput) (any, error) {
		res, err := s.cfg.Dispatcher.Run(ctx, in.Query, kind)
		if err != nil {
			return nil, errors.New(res.Message)
		}
		return res, nil
	}
}
