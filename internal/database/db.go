package database

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect は接続先データベースの種別を表す。
type Dialect string

const (
	// DialectPostgres はPostgreSQL（複数ノード構成の本番環境向け）。
	DialectPostgres Dialect = "postgres"
	// DialectSQLite は組み込みSQLite（単一ノード構成およびテスト向け）。
	DialectSQLite Dialect = "sqlite"
)

// sqlitePragmas はSQLite接続時に適用するプラグマ。
// 書き込みの競合はbusy_timeoutの範囲で待機させる。
const sqlitePragmas = "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"

// DialectFromURL は接続URLのスキームからデータベース種別を判定する。
func DialectFromURL(databaseURL string) (Dialect, error) {
	switch {
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		return DialectPostgres, nil
	case strings.HasPrefix(databaseURL, "sqlite://"):
		return DialectSQLite, nil
	default:
		return "", fmt.Errorf("unsupported database URL scheme: %q", maskURL(databaseURL))
	}
}

// Open はURLに応じてPostgreSQLまたはSQLiteの接続を開く。
// sql.Openは接続を試行しないため、実際の接続確認にはdb.Ping()を使用すること。
//
// SQLiteの場合は接続数を1に制限する。書き込みはデータベースロックで直列化されるため、
// 複数接続を開いてもSQLITE_BUSYの待機が増えるだけになる。
func Open(databaseURL string) (*sql.DB, Dialect, error) {
	dialect, err := DialectFromURL(databaseURL)
	if err != nil {
		return nil, "", err
	}

	switch dialect {
	case DialectSQLite:
		db, err := sql.Open("sqlite", sqliteDSN(databaseURL))
		if err != nil {
			return nil, "", fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(1)
		return db, dialect, nil
	default:
		db, err := sql.Open("postgres", databaseURL)
		if err != nil {
			return nil, "", fmt.Errorf("failed to open database: %w", err)
		}
		return db, dialect, nil
	}
}

// SQLitePath はsqlite://形式のURLからファイルパスを取り出す。
func SQLitePath(databaseURL string) string {
	path := strings.TrimPrefix(databaseURL, "sqlite://")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	return path
}

// uriPathEscaper はSQLiteのURIファイル名で特別な意味を持つ文字だけをエスケープする。
// 空白や非ASCII文字はそのまま渡す。
var uriPathEscaper = strings.NewReplacer("%", "%25", "?", "%3f", "#", "%23")

// sqliteDSN はmodernc.org/sqlite向けのDSNを組み立てる。
func sqliteDSN(databaseURL string) string {
	return "file:" + uriPathEscaper.Replace(SQLitePath(databaseURL)) + "?" + sqlitePragmas
}

// maskURL は接続URLの認証情報をマスクする。
func maskURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
