package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// MaxDisplayNameRunes は表示名の最大文字数。
const MaxDisplayNameRunes = 64

// NameSanitizer はワーカーの表示名からHTMLと制御文字を除去する。
// 表示名はクライアントが自由に送ってくる値であり、リーダーボードや管理画面にそのまま表示される。
type NameSanitizer struct {
	policy *bluemonday.Policy
}

// NewNameSanitizer はタグをすべて除去するStrictPolicyでNameSanitizerを生成する。
func NewNameSanitizer() *NameSanitizer {
	return &NameSanitizer{policy: bluemonday.StrictPolicy()}
}

// maxStripPasses はエンティティの多重エンコードを剥がす最大回数。
const maxStripPasses = 8

// Sanitize は表示名を正規化する。
// タグを除去し、空白を1つにまとめ、MaxDisplayNameRunes文字で切り詰める。
func (s *NameSanitizer) Sanitize(name string) string {
	cleaned := strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return ' '
		}
		return r
	}, s.stripTags(name))
	cleaned = strings.Join(strings.Fields(cleaned), " ")

	runes := []rune(cleaned)
	if len(runes) > MaxDisplayNameRunes {
		cleaned = strings.TrimSpace(string(runes[:MaxDisplayNameRunes]))
	}
	return cleaned
}

// stripTags はタグを除去し、bluemondayがエスケープした実体参照を元の文字に戻す。
// 戻した結果に新たなタグが現れなくなるまで繰り返す。
// 収束しない場合は山括弧を取り除いたものを返す。
func (s *NameSanitizer) stripTags(name string) string {
	cur := name
	for i := 0; i < maxStripPasses; i++ {
		next := html.UnescapeString(s.policy.Sanitize(cur))
		if next == cur {
			return cur
		}
		cur = next
	}
	return strings.Map(func(r rune) rune {
		if r == '<' || r == '>' {
			return -1
		}
		return r
	}, cur)
}
