package server

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/mcp-clickhouse/internal/clickhouse"
	"github.com/malbeclabs/mcp-clickhouse/internal/query"
)

func connectTestClient(t *testing.T, s *Server) *mcp.ClientSession {
	t.Helper()
	serverTransport, clientTransport := mcp.NewInMemoryTransports()
	serverSession, err := s.MCP().Connect(t.Context(), serverTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = serverSession.Close() })

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "v0.0.1"}, nil)
	session, err := client.Connect(t.Context(), clientTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })
	return session
}

func callTool(t *testing.T, session *mcp.ClientSession, name string, args map[string]any) (string, bool) {
	t.Helper()
	res, err := session.CallTool(t.Context(), &mcp.CallToolParams{Name: name, Arguments: args})
	require.NoError(t, err)
	require.Len(t, res.Content, 1)
	text, ok := res.Content[0].(*mcp.TextContent)
	require.True(t, ok, "unexpected content type %T", res.Content[0])
	return text.Text, res.IsError
}

func TestMCPClickHouse_Server_Tools_Registration(t *testing.T) {
	t.Parallel()

	toolNames := func(t *testing.T, s *Server) []string {
		t.Helper()
		res, err := connectTestClient(t, s).ListTools(t.Context(), nil)
		require.NoError(t, err)
		var names []string
		for _, tool := range res.Tools {
			names = append(names, tool.Name)
		}
		return names
	}

	t.Run("remote only", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, &fakeCatalog{}, testRemote())
		require.ElementsMatch(t, []string{"list_databases", "list_tables", "run_select_query"}, toolNames(t, s))
	})

	t.Run("embedded only", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, nil, testEmbedded())
		require.ElementsMatch(t, []string{"run_chdb_select_query"}, toolNames(t, s))

		prompt, err := connectTestClient(t, s).GetPrompt(t.Context(), &mcp.GetPromptParams{Name: embeddedPromptName})
		require.NoError(t, err)
		require.Len(t, prompt.Messages, 1)
		text, ok := prompt.Messages[0].Content.(*mcp.TextContent)
		require.True(t, ok)
		require.Contains(t, text.Text, "run_chdb_select_query")
	})

	t.Run("query rules with remote", func(t *testing.T) {
		t.Parallel()

		s := newTestServerWithRules(t, `{"filters":["use FINAL"]}`, testRemote())
		require.ElementsMatch(t, []string{"list_databases", "list_tables", "run_select_query", "get_query_rules"}, toolNames(t, s))

		session := connectTestClient(t, s)
		text, isErr := callTool(t, session, "get_query_rules", map[string]any{})
		require.False(t, isErr)
		require.Equal(t, `{"filters":["use FINAL"]}`, text)

		prompt, err := session.GetPrompt(t.Context(), &mcp.GetPromptParams{Name: queryRulesPromptName})
		require.NoError(t, err)
		require.Len(t, prompt.Messages, 1)
		content, ok := prompt.Messages[0].Content.(*mcp.TextContent)
		require.True(t, ok)
		require.Equal(t, `{"filters":["use FINAL"]}`, content.Text)
	})

	t.Run("plain text query rules are a json string", func(t *testing.T) {
		t.Parallel()

		session := connectTestClient(t, newTestServerWithRules(t, "Always filter deleted rows.", testRemote()))
		text, isErr := callTool(t, session, "get_query_rules", map[string]any{})
		require.False(t, isErr)
		require.Equal(t, `"Always filter deleted rows."`, text)
	})

	t.Run("query rules without remote are not served", func(t *testing.T) {
		t.Parallel()

		s, err := New(Config{
			Logger:     newTestLogger(),
			Dispatcher: newTestDispatcher(t, testEmbedded()),
			QueryRules: "Always filter deleted rows.",
		})
		require.NoError(t, err)
		require.ElementsMatch(t, []string{"run_chdb_select_query"}, toolNames(t, s))
	})

	t.Run("both", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, &fakeCatalog{}, testRemote(), testEmbedded())
		require.ElementsMatch(t,
			[]string{"list_databases", "list_tables", "run_select_query", "run_chdb_select_query"},
			toolNames(t, s))
	})
}

func TestMCPClickHouse_Server_Tools_Call(t *testing.T) {
	t.Parallel()

	rows := uint64(42)
	catalog := &fakeCatalog{
		databases: []string{"default", "system"},
		tables: []clickhouse.Table{
			{Database: "default", Name: "events", Engine: "MergeTree", TotalRows: &rows, Comment: "event log",
				Columns: []clickhouse.Column{{Database: "default", Table: "events", Name: "id", ColumnType: "UInt64"}}},
			{Database: "default", Name: "events_tmp", Engine: "Memory"},
			{Database: "system", Name: "tables", Engine: "SystemTables"},
		},
	}
	session := connectTestClient(t, newTestServer(t, catalog, testRemote(), testEmbedded()))

	t.Run("list_databases", func(t *testing.T) {
		t.Parallel()

		text, isErr := callTool(t, session, "list_databases", map[string]any{})
		require.False(t, isErr)
		require.JSONEq(t, `["default","system"]`, text)
	})

	t.Run("list_tables", func(t *testing.T) {
		t.Parallel()

		text, isErr := callTool(t, session, "list_tables", map[string]any{"database": "default", "not_like": "events_tmp"})
		require.False(t, isErr)

		var tables []clickhouse.Table
		require.NoError(t, json.Unmarshal([]byte(text), &tables))
		require.Len(t, tables, 1)
		require.Equal(t, "events", tables[0].Name)
		require.Equal(t, "event log", tables[0].Comment)
		require.Equal(t, uint64(42), *tables[0].TotalRows)
		require.Equal(t, "UInt64", tables[0].Columns[0].ColumnType)
	})

	t.Run("list_tables with unknown database is empty", func(t *testing.T) {
		t.Parallel()

		text, isErr := callTool(t, session, "list_tables", map[string]any{"database": "missing"})
		require.False(t, isErr)
		require.JSONEq(t, `[]`, text)
	})

	t.Run("list_tables requires a database", func(t *testing.T) {
		t.Parallel()

		text, isErr := callTool(t, session, "list_tables", map[string]any{"database": ""})
		require.True(t, isErr)
		require.Contains(t, text, "database is required")
	})

	t.Run("run_select_query", func(t *testing.T) {
		t.Parallel()

		text, isErr := callTool(t, session, "run_select_query", map[string]any{"query": "SELECT 1"})
		require.False(t, isErr)
		require.JSONEq(t, `{"columns":["1"],"rows":[[1]]}`, text)
	})

	t.Run("run_select_query failure is a structured response", func(t *testing.T) {
		t.Parallel()

		text, isErr := callTool(t, session, "run_select_query", map[string]any{"query": "SELEC 1"})
		require.False(t, isErr)
		require.JSONEq(t, `{"status":"error","message":"Query failed: Syntax error: failed at position 1"}`, text)
	})

	t.Run("run_select_query unexpected failure is a tool error", func(t *testing.T) {
		t.Parallel()

		text, isErr := callTool(t, session, "run_select_query", map[string]any{"query": "panic"})
		require.True(t, isErr)
		require.Contains(t, text, "Unexpected error during query execution")
	})

	t.Run("run_chdb_select_query", func(t *testing.T) {
		t.Parallel()

		text, isErr := callTool(t, session, "run_chdb_select_query", map[string]any{"query": "SELECT 1"})
		require.False(t, isErr)
		require.Equal(t, `[{"one":1}]`, text)
	})

	t.Run("run_chdb_select_query failure", func(t *testing.T) {
		t.Parallel()

		text, isErr := callTool(t, session, "run_chdb_select_query", map[string]any{"query": "SELEC 1"})
		require.False(t, isErr)
		require.JSONEq(t, `{"status":"error","message":"chDB query failed: Parser Error: syntax error at or near \"SELEC\""}`, text)
	})
}

func TestMCPClickHouse_Server_Tools_Handlers(t *testing.T) {
	t.Parallel()

	t.Run("catalog errors are wrapped", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, &fakeCatalog{listErr: errors.New("connection refused")}, testRemote())

		_, err := s.handleListDatabases(t.Context(), ListDatabasesInput{})
		require.EqualError(t, err, "failed to list databases: connection refused")

		_, err = s.handleListTables(t.Context(), ListTablesInput{Database: "default"})
		require.EqualError(t, err, "failed to list tables: connection refused")
	})

	t.Run("disabled driver yields a configuration result", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, nil, testEmbedded())
		out, err := s.queryHandler(query.DriverRemote)(t.Context(), QueryInput{Query: "SELECT 1"})
		require.NoError(t, err)

		res, ok := out.(query.Result)
		require.True(t, ok)
		require.False(t, res.OK())
		require.True(t, errors.Is(res.Err(), query.ErrNotEnabled))
		require.Equal(t, "ClickHouse is not enabled. Set CLICKHOUSE_ENABLED=true to enable it.", res.Message)
	})
}
