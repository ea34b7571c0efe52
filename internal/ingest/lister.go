package ingest

import (
	"context"
	"fmt"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/hitoshi/labelq/internal/model"
)

// Lister はコンテンツのキー一覧を提供する。
type Lister interface {
	// List はキーの一覧を返す。順序は問わない。
	List(ctx context.Context) ([]string, error)
	// Source はログ出力用の取得元を返す。
	Source() string
}

// StaticLister は固定のキー一覧を返す。
type StaticLister []string

// List はキー一覧をそのまま返す。
func (l StaticLister) List(context.Context) ([]string, error) {
	return []string(l), nil
}

// Source は取得元を返す。
func (l StaticLister) Source() string {
	return "static"
}

// DirLister はローカルディレクトリを再帰的に走査し、
// ルートからの相対パス（スラッシュ区切り）をキーとして返す。
// ドットで始まるファイルとディレクトリは無視する。
type DirLister struct {
	Root string
}

// List はディレクトリを走査する。
func (l DirLister) List(ctx context.Context) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(l.Root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if p != l.Root && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(l.Root, p)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ディレクトリの走査に失敗しました（%s）: %w", l.Root, err)
	}
	return keys, nil
}

// Source は取得元を返す。
func (l DirLister) Source() string {
	return "dir://" + l.Root
}

// NewLister はSYNC_SOURCEの値から対応するListerを生成する。
// dir:// はDirLister、http:// と https:// はHTTPIndexListerになる。
// clientはHTTPIndexListerで使用する（SSRF対策済みのクライアントを渡すこと）。
func NewLister(source string, client *http.Client) (Lister, error) {
	switch {
	case source == "":
		return nil, model.NewInvalidRequestError("同期元が設定されていません")
	case strings.HasPrefix(source, "dir://"):
		root := strings.TrimPrefix(source, "dir://")
		info, err := os.Stat(root)
		if err != nil {
			return nil, fmt.Errorf("同期元ディレクトリを参照できません: %w", err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("同期元がディレクトリではありません: %s", root)
		}
		return DirLister{Root: root}, nil
	case strings.HasPrefix(source, "http://"), strings.HasPrefix(source, "https://"):
		u, err := url.Parse(source)
		if err != nil {
			return nil, fmt.Errorf("同期元URLが不正です: %w", err)
		}
		return NewHTTPIndexLister(u, client), nil
	default:
		return nil, model.NewInvalidRequestError(fmt.Sprintf("未対応の同期元です: %s", source))
	}
}
