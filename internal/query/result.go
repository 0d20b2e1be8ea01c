package query

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ClickHouse/clickhouse-go/v2"
)

// Kind tags which shape a Result carries.
type Kind int

const (
	// KindTable is a column list plus positional rows (remote driver).
	KindTable Kind = iota
	// KindRecords is the embedded engine's JSON record list.
	KindRecords
	// KindError is a failed execution.
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindTable:
		return "table"
	case KindRecords:
		return "records"
	case KindError:
		return "error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Result is the normalized outcome of one job. Exactly one Result is produced per job.
type Result struct {
	Kind Kind

	// Columns is set for KindTable. For KindRecords it holds the engine's column metadata when
	// the payload carried any; it is not part of the protocol response for records.
	Columns []string
	// ColumnTypes holds engine type names parallel to Columns when the driver reports them.
	ColumnTypes []string
	Rows        [][]any
	Records     []json.RawMessage

	Message string
	err     error
}

// ErrorResponse is the structured failure shape returned to tool callers.
type ErrorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type tableResponse struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// OK reports whether the result is a success.
func (r Result) OK() bool {
	return r.Kind != KindError
}

// Err returns the error the result was built from, if any. It is only meant for errors.Is
// checks; the user-facing text is Message.
func (r Result) Err() error {
	if r.Kind != KindError {
		return nil
	}
	if r.err != nil {
		return r.err
	}
	return errors.New(r.Message)
}

// Count is the number of rows or records in a successful result.
func (r Result) Count() int {
	switch r.Kind {
	case KindTable:
		return len(r.Rows)
	case KindRecords:
		return len(r.Records)
	default:
		return 0
	}
}

// Response returns the JSON-serializable protocol value for the result.
func (r Result) Response() any {
	switch r.Kind {
	case KindTable:
		rows := r.Rows
		if rows == nil {
			rows = [][]any{}
		}
		cols := r.Columns
		if cols == nil {
			cols = []string{}
		}
		return tableResponse{Columns: cols, Rows: rows}
	case KindRecords:
		records := r.Records
		if records == nil {
			records = []json.RawMessage{}
		}
		return records
	default:
		return ErrorResponse{Status: "error", Message: r.Message}
	}
}

// MarshalJSON encodes the protocol response.
func (r Result) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Response())
}

// FromTable normalizes a remote driver result. Values are passed through unchanged and an
// empty result keeps its column list.
func FromTable(columns []string, rows [][]any) Result {
	if columns == nil {
		columns = []string{}
	}
	if rows == nil {
		rows = [][]any{}
	}
	return Result{Kind: KindTable, Columns: columns, Rows: rows}
}

// jsonPayload is the embedded engine's JSON output format.
type jsonPayload struct {
	Meta []struct {
		Name string `json:"name"`
		Type string `json:"type"`
	} `json:"meta"`
	Data []json.RawMessage `json:"data"`
}

// FromJSONPayload normalizes an embedded engine payload. An empty payload carries no column
// metadata and becomes an empty record list.
func FromJSONPayload(prefix string, payload []byte) Result {
	if len(bytes.TrimSpace(payload)) == 0 {
		return Result{Kind: KindRecords, Records: []json.RawMessage{}}
	}
	var p jsonPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return FromError(prefix, fmt.Errorf("failed to decode result payload: %w", err))
	}
	var columns, types []string
	if len(p.Meta) > 0 {
		columns = make([]string, 0, len(p.Meta))
		types = make([]string, 0, len(p.Meta))
		for _, m := range p.Meta {
			columns = append(columns, m.Name)
			types = append(types, m.Type)
		}
	}
	records := p.Data
	if records == nil {
		records = []json.RawMessage{}
	}
	return Result{Kind: KindRecords, Columns: columns, ColumnTypes: types, Records: records}
}

// FromError normalizes a driver failure into "<prefix> failed: <message>".
func FromError(prefix string, err error) Result {
	return Result{
		Kind:    KindError,
		Message: fmt.Sprintf("%s failed: %s", prefix, DriverMessage(err)),
		err:     err,
	}
}

// errorResult builds a KindError result with a message used verbatim.
func errorResult(err error, message string) Result {
	return Result{Kind: KindError, Message: message, err: err}
}

// DriverMessage extracts the plain failure text from a driver error. Server exceptions are
// reduced to their message so connection and protocol details never reach the caller.
func DriverMessage(err error) string {
	if err == nil {
		return "unknown error"
	}
	var exception *clickhouse.Exception
	if errors.As(err, &exception) && exception.Message != "" {
		return strings.TrimSpace(exception.Message)
	}
	return strings.TrimSpace(err.Error())
}

// RecordValues decodes each record into a value slice ordered by columns. Missing keys become
// nil. Numbers are kept as json.Number.
func (r Result) RecordValues(columns []string) ([][]any, error) {
	out := make([][]any, 0, len(r.Records))
	for i, raw := range r.Records {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		var rec map[string]any
		if err := dec.Decode(&rec); err != nil {
			return nil, fmt.Errorf("failed to decode record %d: %w", i, err)
		}
		row := make([]any, len(columns))
		for j, col := range columns {
			row[j] = rec[col]
		}
		out = append(out, row)
	}
	return out, nil
}
