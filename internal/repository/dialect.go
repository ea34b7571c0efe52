package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/hitoshi/labelq/internal/database"
	"github.com/hitoshi/labelq/internal/model"
)

// dialect はPostgreSQLとSQLiteの差分を吸収する。
type dialect struct {
	name database.Dialect
	sb   sq.StatementBuilderType
	// lockSuffix はクレーム候補選択時に付与する行ロック句。
	lockSuffix string
}

var (
	postgresDialect = dialect{
		name:       database.DialectPostgres,
		sb:         sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
		lockSuffix: "FOR UPDATE SKIP LOCKED",
	}
	sqliteDialect = dialect{
		name: database.DialectSQLite,
		sb:   sq.StatementBuilder.PlaceholderFormat(sq.Question),
	}
)

// dialectFor はデータベース種別に対応するdialectを返す。
func dialectFor(d database.Dialect) dialect {
	if d == database.DialectSQLite {
		return sqliteDialect
	}
	return postgresDialect
}

// rebind は ? プレースホルダを種別に応じた形式に置き換える。
func (d dialect) rebind(query string) string {
	if d.name != database.DialectPostgres {
		return query
	}
	out, err := sq.Dollar.ReplacePlaceholders(query)
	if err != nil {
		return query
	}
	return out
}

// timeArg は時刻をクエリ引数に変換する。SQLiteはUnixナノ秒で保持する。
func (d dialect) timeArg(t time.Time) any {
	if d.name == database.DialectSQLite {
		return t.UTC().UnixNano()
	}
	return t.UTC()
}

// addDuration は時刻カラムにdを加算する式を返す。
func (d dialect) addDuration(column string, dur time.Duration) sq.Sqlizer {
	if d.name == database.DialectSQLite {
		return sq.Expr(column+" + ?", dur.Nanoseconds())
	}
	return sq.Expr(column+" + (CAST(? AS DOUBLE PRECISION) * INTERVAL '1 microsecond')", dur.Microseconds())
}

// nullTime はPostgreSQLのtimestamptzとSQLiteのINTEGERの両方を読み取るScanner。
type nullTime struct {
	Time  time.Time
	Valid bool
}

// Scan はsql.Scannerを実装する。
func (n *nullTime) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		n.Time, n.Valid = time.Time{}, false
	case time.Time:
		n.Time, n.Valid = v.UTC(), true
	case int64:
		n.Time, n.Valid = time.Unix(0, v).UTC(), true
	case string:
		return n.parse(v)
	case []byte:
		return n.parse(string(v))
	default:
		return fmt.Errorf("nullTime: unsupported type %T", value)
	}
	return nil
}

func (n *nullTime) parse(s string) error {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fmt.Errorf("nullTime: %w", err)
	}
	n.Time, n.Valid = t.UTC(), true
	return nil
}

// ptr は有効な場合のみ時刻へのポインタを返す。
func (n nullTime) ptr() *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Time
	return &t
}

// storeError はドライバのエラーをStoreUnavailableに変換する。
// コンテキストのキャンセルとタイムアウトはそのまま呼び出し側へ返す。
func storeError(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%sが中断されました: %w", op, err)
	}
	return model.NewStoreUnavailableError(op, err)
}

// chunk はidsをsize件ずつに分割する。
func chunk(ids []string, size int) [][]string {
	if size <= 0 {
		size = len(ids)
	}
	var out [][]string
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		out = append(out, ids[start:end])
	}
	return out
}
