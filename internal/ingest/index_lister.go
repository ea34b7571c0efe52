package ingest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"
)

const (
	// maxIndexBodySize は1ページあたりの読み込み上限（5MB）。
	maxIndexBodySize = 5 * 1024 * 1024
	// defaultMaxDepth はサブディレクトリを辿る深さの上限。
	defaultMaxDepth = 3
	// defaultMaxPages は1回の一覧取得で読み込むページ数の上限。
	defaultMaxPages = 1000
)

// HTTPIndexLister はHTMLのディレクトリインデックス（nginxのautoindex等）を読み、
// ベースURL配下のファイルへのリンクをキーとして返す。
// キーはベースURLからの相対パス（URLデコード済み）。
type HTTPIndexLister struct {
	base     *url.URL
	client   *http.Client
	MaxDepth int
	MaxPages int
}

// NewHTTPIndexLister は新しいHTTPIndexListerを生成する。
// clientがnilの場合はタイムアウト10秒のクライアントを使う。
func NewHTTPIndexLister(base *url.URL, client *http.Client) *HTTPIndexLister {
	b := *base
	if !strings.HasSuffix(b.Path, "/") {
		b.Path += "/"
	}
	b.RawQuery, b.Fragment = "", ""
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPIndexLister{
		base:     &b,
		client:   client,
		MaxDepth: defaultMaxDepth,
		MaxPages: defaultMaxPages,
	}
}

// Source は取得元を返す。
func (l *HTTPIndexLister) Source() string {
	return l.base.String()
}

// List はインデックスページを幅優先で辿り、ファイルのキーを返す。
func (l *HTTPIndexLister) List(ctx context.Context) ([]string, error) {
	type page struct {
		u     *url.URL
		depth int
	}

	queue := []page{{u: l.base}}
	visited := map[string]bool{l.base.String(): true}
	seenKeys := map[string]bool{}
	var keys []string
	fetched := 0

	for len(queue) > 0 {
		if fetched >= l.MaxPages {
			break
		}
		p := queue[0]
		queue = queue[1:]

		body, err := l.fetch(ctx, p.u)
		if err != nil {
			return nil, err
		}
		fetched++

		for _, href := range ParseIndexLinks(body) {
			ref, err := url.Parse(href)
			if err != nil {
				continue
			}
			target := p.u.ResolveReference(ref)
			target.RawQuery, target.Fragment = "", ""

			key, ok := l.relative(target)
			if !ok || key == "" {
				continue
			}

			if strings.HasSuffix(key, "/") {
				if p.depth+1 > l.MaxDepth || visited[target.String()] {
					continue
				}
				visited[target.String()] = true
				queue = append(queue, page{u: target, depth: p.depth + 1})
				continue
			}

			if !seenKeys[key] {
				seenKeys[key] = true
				keys = append(keys, key)
			}
		}
	}

	return keys, nil
}

// relative はtargetがベースURL配下にある場合にベースからの相対パスを返す。
func (l *HTTPIndexLister) relative(target *url.URL) (string, bool) {
	if target.Scheme != l.base.Scheme || target.Host != l.base.Host {
		return "", false
	}
	if !strings.HasPrefix(target.Path, l.base.Path) {
		return "", false
	}
	return strings.TrimPrefix(target.Path, l.base.Path), true
}

func (l *HTTPIndexLister) fetch(ctx context.Context, u *url.URL) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("User-Agent", "labelq/1.0 sync")
	req.Header.Set("Accept", "text/html, */*")

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("インデックスの取得に失敗しました（%s）: %w", u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("インデックスがステータス %d を返しました（%s）", resp.StatusCode, u)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxIndexBodySize+1))
	if err != nil {
		return nil, fmt.Errorf("レスポンスの読み取りに失敗しました: %w", err)
	}
	// 上限を超えるページは切り詰めずにエラーにする。
	if len(body) > maxIndexBodySize {
		return nil, fmt.Errorf("インデックスがサイズ上限（%dバイト）を超えています（%s）", maxIndexBodySize, u)
	}
	return body, nil
}

// ParseIndexLinks はHTMLからa要素のhref属性を出現順に抽出する。
func ParseIndexLinks(body []byte) []string {
	var links []string
	tokenizer := html.NewTokenizer(bytes.NewReader(body))

	for {
		tt := tokenizer.Next()
		switch tt {
		case html.ErrorToken:
			return links

		case html.StartTagToken, html.SelfClosingTagToken:
			tn, hasAttr := tokenizer.TagName()
			if string(tn) != "a" || !hasAttr {
				continue
			}
			for {
				key, val, more := tokenizer.TagAttr()
				if strings.ToLower(string(key)) == "href" {
					if href := strings.TrimSpace(string(val)); href != "" {
						links = append(links, href)
					}
				}
				if !more {
					break
				}
			}
		}
	}
}
