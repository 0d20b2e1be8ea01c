package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	wire "github.com/jeroenrinzema/psql-wire"
	"github.com/jeroenrinzema/psql-wire/codes"
	pgerror "github.com/jeroenrinzema/psql-wire/errors"
	"github.com/jeroenrinzema/psql-wire/pkg/buffer"
	"github.com/jeroenrinzema/psql-wire/pkg/types"
	"github.com/lib/pq/oid"

	"github.com/malbeclabs/mcp-clickhouse/internal/metrics"
	"github.com/malbeclabs/mcp-clickhouse/internal/query"
)

// newAuthStrategy accepts every client when no accounts are configured and otherwise runs the
// cleartext password flow against accounts.
func newAuthStrategy(log *slog.Logger, accounts map[string]string) wire.AuthStrategy {
	return func(ctx context.Context, writer *buffer.Writer, reader *buffer.Reader) (context.Context, error) {
		params := wire.ClientParameters(ctx)
		username := params[wire.ParamUsername]

		if len(accounts) == 0 {
			writer.Start(types.ServerAuth)
			writer.AddInt32(0) // authOK
			if err := writer.End(); err != nil {
				return ctx, err
			}
			log.Debug("postgres: authentication disabled, allowing connection", "username", username)
			return ctx, nil
		}

		writer.Start(types.ServerAuth)
		writer.AddInt32(3) // authClearTextPassword
		if err := writer.End(); err != nil {
			return ctx, err
		}

		t, _, err := reader.ReadTypedMsg()
		if err != nil {
			return ctx, err
		}
		if t != types.ClientPassword {
			return ctx, fmt.Errorf("unexpected password message type: %v", t)
		}
		password, err := reader.GetString()
		if err != nil {
			return ctx, err
		}

		expected, ok := accounts[username]
		if !ok || password != expected {
			log.Debug("postgres: authentication failed", "username", username)
			authErr := pgerror.WithCode(errors.New("invalid username/password"), codes.InvalidPassword)
			if err := wire.ErrorCode(writer, authErr); err != nil {
				return ctx, err
			}
			return ctx, authErr
		}

		log.Debug("postgres: authentication successful", "username", username)
		writer.Start(types.ServerAuth)
		writer.AddInt32(0) // authOK
		return ctx, writer.End()
	}
}

// gatewayDriver is the driver the gateway sends queries to: remote when enabled, else embedded.
func (s *Server) gatewayDriver() query.DriverKind {
	if s.cfg.Dispatcher.Enabled(query.DriverRemote) {
		return query.DriverRemote
	}
	return query.DriverEmbedded
}

// psqlQueryHandler executes a simple query through the dispatcher and replays its rows.
func (s *Server) psqlQueryHandler(ctx context.Context, text string) (wire.PreparedStatements, error) {
	s.log.Debug("postgres: incoming query", "query", text)

	normalized := strings.TrimSpace(text)
	if normalized == "" || normalized == ";" {
		return wire.Prepared(wire.NewStatement(
			func(ctx context.Context, writer wire.DataWriter, _ []wire.Parameter) error {
				return writer.Complete("")
			},
			wire.WithColumns(wire.Columns{}),
		)), nil
	}

	if strings.ToLower(strings.Join(strings.Fields(text), " ")) == "-- ping" {
		return wire.Prepared(wire.NewStatement(
			func(ctx context.Context, writer wire.DataWriter, _ []wire.Parameter) error {
				if err := writer.Row([]any{"pong"}); err != nil {
					return err
				}
				return writer.Complete("SELECT")
			},
			wire.WithColumns(wire.Columns{{Name: "pong", Oid: pgtype.TextOID}}),
		)), nil
	}

	kind := s.gatewayDriver()
	if rewritten := rewriteCatalogQuery(text, kind); rewritten != text {
		s.log.Debug("postgres: rewrote catalog query", "driver", kind, "rewritten", rewritten)
		text = rewritten
	}

	res, err := s.cfg.Dispatcher.Run(ctx, text, kind)
	if err != nil {
		metrics.PostgresQueriesTotal.WithLabelValues("error").Inc()
		return nil, pgerror.WithCode(errors.New(res.Message), codes.Internal)
	}
	if !res.OK() {
		metrics.PostgresQueriesTotal.WithLabelValues("error").Inc()
		return nil, pgerror.WithCode(errors.New(res.Message), errorCode(res.Err()))
	}

	columns, rows, err := resultTable(res)
	if err != nil {
		metrics.PostgresQueriesTotal.WithLabelValues("error").Inc()
		return nil, pgerror.WithCode(err, codes.Internal)
	}
	metrics.PostgresQueriesTotal.WithLabelValues("success").Inc()

	return wire.Prepared(wire.NewStatement(
		func(ctx context.Context, writer wire.DataWriter, _ []wire.Parameter) error {
			for _, row := range rows {
				values := make([]any, len(columns))
				for i, col := range columns {
					v, err := encodeValue(row[i], col.Oid)
					if err != nil {
						return fmt.Errorf("failed to encode value for column %s: %w", col.Name, err)
					}
					values[i] = v
				}
				if err := writer.Row(values); err != nil {
					return err
				}
			}
			return writer.Complete("SELECT")
		},
		wire.WithColumns(columns),
	)), nil
}

func errorCode(err error) codes.Code {
	switch {
	case errors.Is(err, query.ErrTimeout), errors.Is(err, query.ErrCancelled):
		return codes.QueryCanceled
	case errors.Is(err, query.ErrNotEnabled):
		return codes.FeatureNotSupported
	default:
		return codes.DataException
	}
}

// resultTable turns a successful result into wire columns and positional rows.
func resultTable(res query.Result) (wire.Columns, [][]any, error) {
	rows := res.Rows
	if res.Kind == query.KindRecords {
		var err error
		if rows, err = res.RecordValues(res.Columns); err != nil {
			return nil, nil, err
		}
	}

	columns := make(wire.Columns, len(res.Columns))
	for i, name := range res.Columns {
		var typeOID oid.Oid
		if i < len(res.ColumnTypes) {
			typeOID = typeNameOID(res.ColumnTypes[i])
		} else {
			typeOID = valueOID(rows, i)
		}
		columns[i] = wire.Column{Name: name, Oid: typeOID}
	}
	return columns, rows, nil
}

// typeNameOID maps ClickHouse and DuckDB type names to PostgreSQL OIDs. ClickHouse names are
// case-sensitive (Int8 is a tiny int) while DuckDB names are upper case (INT8 is a big int).
func typeNameOID(name string) oid.Oid {
	name = strings.TrimSpace(name)
	for _, wrapper := range []string{"Nullable(", "LowCardinality("} {
		for strings.HasPrefix(name, wrapper) && strings.HasSuffix(name, ")") {
			name = strings.TrimSuffix(strings.TrimPrefix(name, wrapper), ")")
		}
	}
	base := name
	if i := strings.IndexByte(base, '('); i >= 0 {
		base = base[:i]
	}
	base = strings.TrimSpace(base)

	switch base {
	case "Bool":
		return pgtype.BoolOID
	case "Int8", "Int16", "UInt8":
		return pgtype.Int2OID
	case "Int32", "UInt16":
		return pgtype.Int4OID
	case "Int64", "UInt32":
		return pgtype.Int8OID
	case "UInt64", "Int128", "UInt128", "Int256", "UInt256",
		"Decimal", "Decimal32", "Decimal64", "Decimal128", "Decimal256":
		return pgtype.NumericOID
	case "Float32":
		return pgtype.Float4OID
	case "Float64":
		return pgtype.Float8OID
	case "Date", "Date32":
		return pgtype.DateOID
	case "DateTime", "DateTime64":
		return pgtype.TimestamptzOID
	case "UUID":
		return pgtype.UUIDOID
	case "JSON", "Object":
		return pgtype.JSONOID
	case "String", "FixedString", "Enum8", "Enum16", "IPv4", "IPv6":
		return pgtype.TextOID
	}

	switch strings.ToUpper(base) {
	case "BOOLEAN", "BOOL":
		return pgtype.BoolOID
	case "TINYINT", "UTINYINT", "SMALLINT", "INT2":
		return pgtype.Int2OID
	case "INTEGER", "INT", "INT4", "USMALLINT":
		return pgtype.Int4OID
	case "BIGINT", "INT8", "UINTEGER":
		return pgtype.Int8OID
	case "UBIGINT", "HUGEINT", "UHUGEINT", "DECIMAL", "NUMERIC":
		return pgtype.NumericOID
	case "REAL", "FLOAT", "FLOAT4":
		return pgtype.Float4OID
	case "DOUBLE", "FLOAT8":
		return pgtype.Float8OID
	case "DATE":
		return pgtype.DateOID
	case "TIMESTAMPTZ", "TIMESTAMP WITH TIME ZONE":
		return pgtype.TimestamptzOID
	case "TIMESTAMP", "DATETIME", "TIMESTAMP_S", "TIMESTAMP_MS", "TIMESTAMP_NS":
		return pgtype.TimestampOID
	case "TIME":
		return pgtype.TimeOID
	case "BLOB", "BYTEA":
		return pgtype.ByteaOID
	case "UUID":
		return pgtype.UUIDOID
	case "JSON":
		return pgtype.JSONOID
	default:
		return pgtype.TextOID
	}
}

// valueOID infers a column OID from the Go type of its first non-nil value.
func valueOID(rows [][]any, col int) oid.Oid {
	for _, row := range rows {
		if col >= len(row) || row[col] == nil {
			continue
		}
		switch row[col].(type) {
		case bool:
			return pgtype.BoolOID
		case int8, int16, uint8:
			return pgtype.Int2OID
		case int32, uint16:
			return pgtype.Int4OID
		case int, int64, uint32:
			return pgtype.Int8OID
		case uint, uint64, json.Number:
			return pgtype.NumericOID
		case float32:
			return pgtype.Float4OID
		case float64:
			return pgtype.Float8OID
		case time.Time:
			return pgtype.TimestamptzOID
		case []byte:
			return pgtype.ByteaOID
		default:
			return pgtype.TextOID
		}
	}
	return pgtype.TextOID
}

// encodeValue converts a driver value into a form the OID's codec accepts.
func encodeValue(val any, typeOID oid.Oid) (any, error) {
	if val == nil {
		return nil, nil
	}

	switch typeOID {
	case pgtype.BoolOID:
		switch v := val.(type) {
		case bool:
			return v, nil
		case string:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("failed to parse bool: %w", err)
			}
			return b, nil
		default:
			return val, nil
		}
	case pgtype.Int2OID, pgtype.Int4OID, pgtype.Int8OID:
		return toInt64(val)
	case pgtype.Float4OID, pgtype.Float8OID:
		return toFloat64(val)
	case pgtype.DateOID, pgtype.TimeOID, pgtype.TimestampOID, pgtype.TimestamptzOID:
		if t, ok := val.(time.Time); ok {
			return t, nil
		}
		if s, ok := val.(string); ok {
			for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02"} {
				if t, err := time.Parse(layout, s); err == nil {
					return t, nil
				}
			}
		}
		return fmt.Sprintf("%v", val), nil
	case pgtype.ByteaOID:
		switch v := val.(type) {
		case []byte:
			return v, nil
		case string:
			return []byte(v), nil
		default:
			return []byte(fmt.Sprintf("%v", val)), nil
		}
	case pgtype.JSONOID:
		switch v := val.(type) {
		case string:
			return v, nil
		default:
			b, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("failed to encode json: %w", err)
			}
			return string(b), nil
		}
	default:
		return fmt.Sprintf("%v", val), nil
	}
}

func toInt64(val any) (any, error) {
	switch v := val.(type) {
	case int:
		return int64(v), nil
	case int8:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint8:
		return int64(v), nil
	case uint16:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case json.Number:
		return v.Int64()
	case string:
		return strconv.ParseInt(v, 10, 64)
	default:
		return val, nil
	}
}

func toFloat64(val any) (any, error) {
	switch v := val.(type) {
	case float32:
		return float64(v), nil
	case float64:
		return v, nil
	case json.Number:
		return v.Float64()
	case string:
		return strconv.ParseFloat(v, 64)
	default:
		return val, nil
	}
}

var (
	parseIdentPattern = regexp.MustCompile(`parse_ident\s*\(\s*'([^']+)'`)
	quoteIdentPattern = regexp.MustCompile(`quote_ident\(table_name\)\s*=\s*'([^']+)'`)
)

// rewriteCatalogQuery replaces the table and column listing queries that PostgreSQL clients send
// on connect with equivalents the target engine understands. Other queries are returned as-is.
func rewriteCatalogQuery(text string, kind query.DriverKind) string {
	normalized := strings.ToLower(strings.Join(strings.Fields(text), " "))

	if strings.Contains(normalized, "from information_schema.tables") &&
		strings.Contains(normalized, "search_path") &&
		strings.Contains(normalized, "case") {
		if kind == query.DriverRemote {
			return `SELECT name AS "table" FROM system.tables WHERE database = currentDatabase() ORDER BY name`
		}
		return `SELECT table_name AS "table" FROM information_schema.tables WHERE table_schema = current_schema() ORDER BY table_name`
	}

	if strings.Contains(normalized, "from information_schema.columns") &&
		strings.Contains(normalized, "parse_ident") &&
		strings.Contains(normalized, "search_path") {
		table := ""
		if m := parseIdentPattern.FindStringSubmatch(text); len(m) > 1 {
			table = m[1]
		} else if m := quoteIdentPattern.FindStringSubmatch(normalized); len(m) > 1 {
			table = m[1]
		}
		if table == "" {
			return text
		}
		return columnListingQuery(table, kind)
	}

	return text
}

func columnListingQuery(table string, kind query.DriverKind) string {
	quote := func(s string) string { return "'" + strings.ReplaceAll(s, "'", "''") + "'" }

	schema, name, qualified := strings.Cut(table, ".")
	if !qualified {
		name = table
	}
	if kind == query.DriverRemote {
		database := "currentDatabase()"
		if qualified {
			database = quote(schema)
		}
		return fmt.Sprintf(`SELECT name AS "column", type AS "type" FROM system.columns WHERE database = %s AND table = %s ORDER BY position`,
			database, quote(name))
	}
	schemaExpr := "current_schema()"
	if qualified {
		schemaExpr = quote(schema)
	}
	return fmt.Sprintf(`SELECT column_name AS "column", data_type AS "type" FROM information_schema.columns WHERE table_schema = %s AND table_name = %s ORDER BY ordinal_position`,
		schemaExpr, quote(name))
}
