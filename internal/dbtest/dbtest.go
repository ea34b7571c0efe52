// Package dbtest はテスト用のデータベースを準備するヘルパーを提供する。
//
// SQLiteは一時ディレクトリに作成するため常に利用できる。
// PostgreSQLはTEST_DATABASE_URLが設定されていればそれを使い、
// 未設定の場合はtestcontainersでコンテナを1回だけ起動する。
// Dockerが利用できない環境や -short 指定時はスキップする。
package dbtest

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/hitoshi/labelq/internal/database"
)

var (
	pgOnce    sync.Once
	pgURL     string
	pgInitErr error
)

// Backend はテスト対象のデータベース1つを表す。
type Backend struct {
	Name    string
	DB      *sql.DB
	Dialect database.Dialect
}

// SQLite はマイグレーション適用済みのSQLiteデータベースを返す。
// 接続はt.Cleanupで閉じられる。
func SQLite(t *testing.T) *sql.DB {
	t.Helper()

	url := "sqlite://" + filepath.Join(t.TempDir(), "labelq-test.db")
	if err := database.RunMigrations(url); err != nil {
		t.Fatalf("dbtest: migrate sqlite: %v", err)
	}

	db, _, err := database.Open(url)
	if err != nil {
		t.Fatalf("dbtest: open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return db
}

// Postgres はマイグレーション適用済みのPostgreSQLデータベースを返す。
// テスト間の独立性のため、返す前に全テーブルを空にする。
func Postgres(t *testing.T) *sql.DB {
	t.Helper()

	if testing.Short() {
		t.Skip("dbtest: -short のためPostgreSQLテストをスキップ")
	}

	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		testcontainers.SkipIfProviderIsNotHealthy(t)
		pgOnce.Do(func() {
			pgURL, pgInitErr = startPostgres()
		})
		if pgInitErr != nil {
			t.Skipf("dbtest: PostgreSQLコンテナを起動できません（スキップ）: %v", pgInitErr)
		}
		url = pgURL
	}

	if err := database.RunMigrations(url); err != nil {
		t.Fatalf("dbtest: migrate postgres: %v", err)
	}

	db, _, err := database.Open(url)
	if err != nil {
		t.Fatalf("dbtest: open postgres: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Ping(); err != nil {
		t.Skipf("dbtest: テスト用データベースに接続できません（スキップ）: %v", err)
	}
	if _, err := db.Exec("TRUNCATE items, labelers"); err != nil {
		t.Fatalf("dbtest: truncate: %v", err)
	}

	return db
}

// Backends はSQLiteと（利用可能であれば）PostgreSQLに対してfnを実行する。
func Backends(t *testing.T, fn func(t *testing.T, b Backend)) {
	t.Helper()

	t.Run("sqlite", func(t *testing.T) {
		fn(t, Backend{Name: "sqlite", DB: SQLite(t), Dialect: database.DialectSQLite})
	})
	t.Run("postgres", func(t *testing.T) {
		fn(t, Backend{Name: "postgres", DB: Postgres(t), Dialect: database.DialectPostgres})
	})
}

func startPostgres() (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:17-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "labelq",
			"POSTGRES_PASSWORD": "labelq",
			"POSTGRES_DB":       "labelq_test",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return "", fmt.Errorf("start container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return "", fmt.Errorf("get container host: %w", err)
	}

	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		return "", fmt.Errorf("get mapped port: %w", err)
	}

	return fmt.Sprintf("postgres://labelq:labelq@%s:%s/labelq_test?sslmode=disable", host, port.Port()), nil
}
