package service

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/sandeepkv93/realtime-chat-session-core/internal/domain"
)

const (
	defaultSummaryLineRunes = 160
	defaultSummaryMaxRunes  = 2000
)

// ExtractiveSummarizer keeps one trimmed line per message. It never calls
// out of process.
type ExtractiveSummarizer struct {
	LineRunes int
	MaxRunes  int
}

func NewExtractiveSummarizer() *ExtractiveSummarizer {
	return &ExtractiveSummarizer{LineRunes: defaultSummaryLineRunes, MaxRunes: defaultSummaryMaxRunes}
}

func (s *ExtractiveSummarizer) Summarize(ctx context.Context, messages []domain.ConversationMessage) (string, error) {
	lineRunes := s.LineRunes
	if lineRunes <= 0 {
		lineRunes = defaultSummaryLineRunes
	}
	maxRunes := s.MaxRunes
	if maxRunes <= 0 {
		maxRunes = defaultSummaryMaxRunes
	}

	var b strings.Builder
	used := 0
	for _, m := range messages {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		text := truncateRunes(strings.Join(strings.Fields(m.Content), " "), lineRunes)
		if text == "" {
			continue
		}
		line := strings.ToLower(string(m.Role)) + ": " + text
		n := utf8.RuneCountInString(line)
		if used > 0 {
			n++
		}
		if used+n > maxRunes {
			break
		}
		if used > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(line)
		used += n
	}
	return b.String(), nil
}

func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit-1]) + "…"
}
