package embedded

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/duckdb/duckdb-go/v2"
	"github.com/google/uuid"
)

// MemoryPath selects a process-lifetime in-memory database.
const MemoryPath = ":memory:"

type Config struct {
	Logger *slog.Logger

	// DataPath is the database file, or MemoryPath. Defaults to MemoryPath.
	DataPath string
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.DataPath == "" {
		c.DataPath = MemoryPath
	}
	return nil
}

// Session is the embedded engine's single long-lived session. It is opened once at startup,
// shared by all queries, and closed on shutdown.
type Session struct {
	log *slog.Logger
	cfg Config
	db  *sql.DB
}

func Open(ctx context.Context, cfg Config) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate embedded config: %w", err)
	}

	dsn := ""
	if cfg.DataPath != MemoryPath {
		path, err := filepath.Abs(cfg.DataPath)
		if err != nil {
			return nil, fmt.Errorf("failed to get absolute path for data path: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		dsn = path
	}

	db, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// An in-memory database lives only as long as its connection.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	cfg.Logger.Info("embedded: session opened", "data_path", cfg.DataPath)
	return &Session{
		log: cfg.Logger,
		cfg: cfg,
		db:  db,
	}, nil
}

func (s *Session) Close() error {
	return s.db.Close()
}

// Exec runs a statement without returning rows.
func (s *Session) Exec(ctx context.Context, stmt string) error {
	_, err := s.db.ExecContext(ctx, stmt)
	return err
}

type metaColumn struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// QueryJSON runs text and returns its result in the engine's JSON output format:
// {"meta":[{"name","type"}...],"data":[{...}...],"rows":n}, with each data object keyed in
// column order. A query that produces no rows returns an empty payload.
func (s *Session) QueryJSON(ctx context.Context, text string) ([]byte, error) {
	rows, err := s.db.QueryContext(ctx, text)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to get columns: %w", err)
	}
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("failed to get column types: %w", err)
	}

	typeNames := make([]string, len(types))
	for i, ct := range types {
		typeNames[i] = ct.DatabaseTypeName()
	}

	keys := make([][]byte, len(columns))
	for i, col := range columns {
		if keys[i], err = json.Marshal(col); err != nil {
			return nil, fmt.Errorf("failed to encode column name: %w", err)
		}
	}

	var data bytes.Buffer
	count := 0
	values := make([]any, len(columns))
	valuePtrs := make([]any, len(columns))
	for i := range values {
		valuePtrs[i] = &values[i]
	}
	for rows.Next() {
		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		if count > 0 {
			data.WriteByte(',')
		}
		data.WriteByte('{')
		for i := range columns {
			if i > 0 {
				data.WriteByte(',')
			}
			data.Write(keys[i])
			data.WriteByte(':')
			v, err := json.Marshal(jsonValue(values[i], typeNames[i]))
			if err != nil {
				return nil, fmt.Errorf("failed to encode column %s: %w", columns[i], err)
			}
			data.Write(v)
		}
		data.WriteByte('}')
		count++
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	s.log.Debug("embedded: query returned rows", "count", count)
	if count == 0 {
		return nil, nil
	}

	meta := make([]metaColumn, len(columns))
	for i, col := range columns {
		meta[i] = metaColumn{Name: col, Type: typeNames[i]}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result metadata: %w", err)
	}

	var out bytes.Buffer
	out.WriteString(`{"meta":`)
	out.Write(metaJSON)
	out.WriteString(`,"data":[`)
	out.Write(data.Bytes())
	fmt.Fprintf(&out, `],"rows":%d}`, count)
	return out.Bytes(), nil
}

// jsonValue converts scanned driver values into JSON-friendly forms. Numeric values keep every
// digit: HUGEINT and DECIMAL are emitted as JSON number literals rather than floats.
func jsonValue(v any, typeName string) any {
	if typeName == "UUID" {
		if id, ok := uuidValue(v); ok {
			return id.String()
		}
	}
	switch t := v.(type) {
	case nil:
		return nil
	case []byte:
		// BLOB: encoding/json writes base64.
		return t
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case *big.Int:
		return json.Number(t.String())
	case duckdb.Decimal:
		return json.Number(formatDecimal(t.Value, t.Scale))
	case *duckdb.Decimal:
		return json.Number(formatDecimal(t.Value, t.Scale))
	case fmt.Stringer:
		// Intervals and other driver types.
		return t.String()
	default:
		return v
	}
}

// uuidValue accepts the raw 16 bytes of a UUID as a slice or a fixed-size array.
func uuidValue(v any) (uuid.UUID, bool) {
	if b, ok := v.([]byte); ok {
		id, err := uuid.FromBytes(b)
		return id, err == nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Array || rv.Len() != 16 || rv.Type().Elem().Kind() != reflect.Uint8 {
		return uuid.UUID{}, false
	}
	var id uuid.UUID
	for i := range id {
		id[i] = byte(rv.Index(i).Uint())
	}
	return id, true
}

// formatDecimal renders an unscaled integer with scale fractional digits.
func formatDecimal(unscaled *big.Int, scale uint8) string {
	if unscaled == nil {
		return "0"
	}
	digits := new(big.Int).Abs(unscaled).String()
	sign := ""
	if unscaled.Sign() < 0 {
		sign = "-"
	}
	if scale == 0 {
		return sign + digits
	}
	if pad := int(scale) + 1 - len(digits); pad > 0 {
		digits = strings.Repeat("0", pad) + digits
	}
	split := len(digits) - int(scale)
	return sign + digits[:split] + "." + digits[split:]
}
