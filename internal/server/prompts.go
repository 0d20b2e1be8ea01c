package server

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	embeddedPromptName   = "chdb_initial_prompt"
	queryRulesPromptName = "query_rules"
)

const embeddedPrompt = `
# Embedded SQL Engine Prompt

## Available Tools
- **run_chdb_select_query**: run SQL in the embedded in-process engine

## Core Principles
You help users query data sources in place through table functions, without importing data.

### Constraints
- Do not show more than 10 rows of raw data in a response.
- Return query results and key insights, not intermediate data.
- When the user mentions importing or loading data, use a table function instead.
- Prefer short, directly executable SQL over long explanations.

## Table Functions

### Files
` + "```sql" + `
-- Local files, format detected from the extension
SELECT * FROM 'path/to/file.csv';
SELECT * FROM read_csv('data.csv', header = true);
SELECT * FROM read_parquet('data/*.parquet');
SELECT * FROM read_json('events.json');

-- Remote files over HTTP(S) or S3
SELECT * FROM read_parquet('https://example.com/data.parquet');
SELECT * FROM read_csv('s3://bucket/path/file.csv');
` + "```" + `

### Inspecting a source
` + "```sql" + `
DESCRIBE SELECT * FROM read_parquet('data.parquet');
SUMMARIZE SELECT * FROM read_csv('data.csv');
` + "```" + `

## Workflow
1. Identify the source: URL, S3 path, or local file.
2. Inspect its schema with DESCRIBE and a LIMIT 10 sample.
3. Write the analytical query with filters, aggregation and LIMIT.
4. Report the result and the insight it supports.

## Example
` + "```sql" + `
SELECT country, count(*) AS orders, round(avg(amount), 2) AS avg_amount
FROM read_parquet('https://example.com/orders.parquet')
GROUP BY country
ORDER BY orders DESC
LIMIT 10;
` + "```" + `
`

func (s *Server) registerPrompts() {
	s.mcp.AddPrompt(&mcp.Prompt{
		Name:        embeddedPromptName,
		Description: "This prompt helps users understand how to interact and perform common operations in chDB",
	}, func(_ context.Context, _ *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		return &mcp.GetPromptResult{
			Description: "Embedded engine usage guide",
			Messages: []*mcp.PromptMessage{
				{Role: "user", Content: &mcp.TextContent{Text: embeddedPrompt}},
			},
		}, nil
	})
}

func (s *Server) registerQueryRulesPrompt() {
	s.mcp.AddPrompt(&mcp.Prompt{
		Name:        queryRulesPromptName,
		Description: "ClickHouse query rules and best practices for this deployment. Always review these rules before writing queries.",
	}, func(_ context.Context, _ *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		return &mcp.GetPromptResult{
			Description: "Query rules",
			Messages: []*mcp.PromptMessage{
				{Role: "user", Content: &mcp.TextContent{Text: s.cfg.QueryRules}},
			},
		}, nil
	})
}
