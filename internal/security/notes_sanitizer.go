package security

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// maxNotesRunes はワークアウトのメモに書き込む最大文字数。
const maxNotesRunes = 2000

// NotesSanitizer はプロバイダー上でユーザーが入力したアクティビティ名・説明を
// ワークアウトのメモとして保存できるプレーンテキストに変換する。
type NotesSanitizer interface {
	ActivityNotes(name, description string) string
}

// notesSanitizer はbluemondayのStrictPolicyで全てのタグを除去する実装。
type notesSanitizer struct {
	policy *bluemonday.Policy
}

// NewNotesSanitizer はNotesSanitizerを生成する。
func NewNotesSanitizer() *notesSanitizer {
	return &notesSanitizer{policy: bluemonday.StrictPolicy()}
}

// ActivityNotes は名前と説明からメモを組み立てる。
// タグを除去し、空白を正規化して、最大文字数で切り詰める。
func (s *notesSanitizer) ActivityNotes(name, description string) string {
	name = s.plain(name)
	description = s.plain(description)

	notes := name
	if description != "" {
		if notes != "" {
			notes += "\n\n"
		}
		notes += description
	}
	return truncateRunes(notes, maxNotesRunes)
}

// plain はHTMLタグを除去してプレーンテキストにする。
// StrictPolicyはテキストをエスケープして返すため、保存前に元の文字へ戻す。
func (s *notesSanitizer) plain(text string) string {
	stripped := html.UnescapeString(s.policy.Sanitize(text))

	lines := strings.Split(stripped, "\n")
	for i, line := range lines {
		lines[i] = strings.Join(strings.Fields(line), " ")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}

var _ NotesSanitizer = (*notesSanitizer)(nil)
