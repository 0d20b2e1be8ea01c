package clickhouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

const readonlySettingQuery = "SELECT value FROM system.settings WHERE name = 'readonly'"

// EffectiveReadonly returns the readonly level to send with a query given the server's current
// value. A server without restrictions ("0") is forced to "1"; "1" and "2" are kept so the query
// does not try to change a setting the server forbids changing. A missing or empty value gets "1".
func EffectiveReadonly(server string, present bool) string {
	server = strings.TrimSpace(server)
	if !present || server == "" || server == "0" {
		return "1"
	}
	return server
}

func serverReadonly(ctx context.Context, conn driver.Conn) (string, bool, error) {
	var value string
	if err := conn.QueryRow(ctx, readonlySettingQuery).Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to read readonly setting: %w", err)
	}
	return value, true, nil
}
