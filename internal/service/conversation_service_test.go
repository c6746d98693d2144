package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/sandeepkv93/realtime-chat-session-core/internal/domain"
	"github.com/sandeepkv93/realtime-chat-session-core/internal/repository"
)

type conversationFixture struct {
	*lifecycleFixture
	conv *ConversationService
}

func newConversationForTest(t *testing.T, summarizer Summarizer, mutate func(*ConversationOptions)) *conversationFixture {
	t.Helper()
	lf := newLifecycleForTest(t, NewInMemorySessionCacheStore(), nil)
	opts := ConversationOptions{
		SummaryThreshold: 50,
		SummaryWindow:    10,
		SummaryTimeout:   time.Second,
		StoreTimeout:     time.Second,
		Now:              lf.clock.Now,
	}
	if mutate != nil {
		mutate(&opts)
	}
	conv := NewConversationService(lf.mgr, repository.NewMessageRepository(lf.db), summarizer, opts, nil)
	t.Cleanup(conv.Wait)
	return &conversationFixture{lifecycleFixture: lf, conv: conv}
}

func TestConversationAppendThenListRoundTrip(t *testing.T) {
	f := newConversationForTest(t, nil, nil)
	ctx := context.Background()

	s, err := f.mgr.CreateSession(ctx, "owner-1", nil, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	msg, err := f.conv.AppendMessage(ctx, s.ID, domain.MessageRoleUser, "  hello there  ", map[string]any{"client": "web"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if msg.ID == "" || msg.CreatedAt.IsZero() {
		t.Fatalf("expected server-assigned id and timestamp: %+v", msg)
	}
	f.conv.Wait()

	page, err := f.conv.ListHistory(ctx, s.ID, 1, 50, "asc")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if page.Total != 1 || len(page.Items) != 1 {
		t.Fatalf("unexpected page %+v", page)
	}
	got := page.Items[0]
	if got.ID != msg.ID || got.Content != "hello there" || got.Role != domain.MessageRoleUser || got.Metadata["client"] != "web" {
		t.Fatalf("unexpected message %+v", got)
	}
	if !got.CreatedAt.Equal(msg.CreatedAt) {
		t.Fatalf("timestamp mismatch: %s vs %s", got.CreatedAt, msg.CreatedAt)
	}
}

func TestConversationAppendValidation(t *testing.T) {
	f := newConversationForTest(t, nil, nil)
	ctx := context.Background()

	s, err := f.mgr.CreateSession(ctx, "owner-1", nil, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	cases := []struct {
		name    string
		session string
		role    domain.MessageRole
		content string
		want    error
	}{
		{name: "empty session", session: "", role: domain.MessageRoleUser, content: "x", want: ErrInvalidArgument},
		{name: "bad role", session: s.ID, role: "BOT", content: "x", want: ErrInvalidArgument},
		{name: "blank content", session: s.ID, role: domain.MessageRoleUser, content: " \n\t", want: ErrInvalidArgument},
		{name: "unknown session", session: uuid.NewString(), role: domain.MessageRoleUser, content: "x", want: ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := f.conv.AppendMessage(ctx, tc.session, tc.role, tc.content, nil); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestConversationAppendToExpiredSessionFails(t *testing.T) {
	f := newConversationForTest(t, nil, nil)
	ctx := context.Background()

	s, err := f.mgr.CreateSession(ctx, "owner-1", nil, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	f.clock.Advance(testWindow + time.Second)
	_, err = f.conv.AppendMessage(ctx, s.ID, domain.MessageRoleUser, "late", nil)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err.Error() != "not found: session not found or expired" {
		t.Fatalf("unexpected error text %q", err.Error())
	}
	if n, _ := f.conv.CountMessages(ctx, s.ID); n != 0 {
		t.Fatalf("no message may be stored for an expired session, found %d", n)
	}
}

func TestConversationAppendTouchesSession(t *testing.T) {
	f := newConversationForTest(t, nil, nil)
	ctx := context.Background()

	s, err := f.mgr.CreateSession(ctx, "owner-1", nil, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	f.clock.Advance(10 * time.Minute)
	if _, err := f.conv.AppendMessage(ctx, s.ID, domain.MessageRoleUser, "ping", nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	f.conv.Wait()

	stored, err := f.repo.FindByID(ctx, s.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if !stored.LastActivity.Equal(f.clock.Now()) {
		t.Fatalf("expected last activity %s, got %s", f.clock.Now(), stored.LastActivity)
	}
	if !stored.ExpiresAt.Equal(f.clock.Now().Add(testWindow)) {
		t.Fatalf("expected slid expiry, got %s", stored.ExpiresAt)
	}
}

func TestConversationListHistoryPaging(t *testing.T) {
	f := newConversationForTest(t, nil, nil)
	ctx := context.Background()

	s, err := f.mgr.CreateSession(ctx, "owner-1", nil, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := 0; i < 5; i++ {
		f.clock.Advance(time.Second)
		if _, err := f.conv.AppendMessage(ctx, s.ID, domain.MessageRoleUser, fmt.Sprintf("m%d", i), nil); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	f.conv.Wait()

	clamped, err := f.conv.ListHistory(ctx, s.ID, 1, 10_000, "")
	if err != nil {
		t.Fatalf("list clamped: %v", err)
	}
	if clamped.PageSize != repository.MaxPageSize || clamped.Total != 5 {
		t.Fatalf("expected clamp to %d with total 5, got %+v", repository.MaxPageSize, clamped)
	}

	desc, err := f.conv.ListHistory(ctx, s.ID, 2, 2, "DESC")
	if err != nil {
		t.Fatalf("list desc: %v", err)
	}
	if len(desc.Items) != 2 || desc.Items[0].Content != "m2" || desc.Items[1].Content != "m1" {
		t.Fatalf("unexpected desc page %+v", desc.Items)
	}
	if !desc.HasNext || !desc.HasPrev || desc.TotalPages != 3 {
		t.Fatalf("inconsistent flags %+v", desc)
	}

	if _, err := f.conv.ListHistory(ctx, s.ID, 1, 10, "sideways"); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for bad order, got %v", err)
	}
}

func TestConversationRecentMessagesClamp(t *testing.T) {
	f := newConversationForTest(t, nil, nil)
	ctx := context.Background()

	s, err := f.mgr.CreateSession(ctx, "owner-1", nil, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := 0; i < 3; i++ {
		f.clock.Advance(time.Second)
		if _, err := f.conv.AppendMessage(ctx, s.ID, domain.MessageRoleAssistant, fmt.Sprintf("m%d", i), nil); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	f.conv.Wait()

	one, err := f.conv.RecentMessages(ctx, s.ID, 0)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(one) != 1 || one[0].Content != "m2" {
		t.Fatalf("expected newest message only, got %+v", one)
	}
	all, err := f.conv.RecentMessages(ctx, s.ID, 1000)
	if err != nil {
		t.Fatalf("recent all: %v", err)
	}
	if len(all) != 3 || all[0].Content != "m2" || all[2].Content != "m0" {
		t.Fatalf("expected newest first, got %+v", all)
	}
}

func TestConversationMessageEdits(t *testing.T) {
	f := newConversationForTest(t, nil, nil)
	ctx := context.Background()

	s, err := f.mgr.CreateSession(ctx, "owner-1", nil, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	msg, err := f.conv.AppendMessage(ctx, s.ID, domain.MessageRoleUser, "draft", nil)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	f.conv.Wait()

	content := " final "
	updated, err := f.conv.UpdateMessage(ctx, msg.ID, &content, nil)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Content != "final" {
		t.Fatalf("unexpected content %q", updated.Content)
	}
	blank := "  "
	if _, err := f.conv.UpdateMessage(ctx, msg.ID, &blank, nil); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	if _, err := f.conv.UpdateMessage(ctx, msg.ID, nil, nil); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for empty update, got %v", err)
	}
	if _, err := f.conv.UpdateMessage(ctx, uuid.NewString(), &content, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := f.conv.DeleteMessage(ctx, msg.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := f.conv.GetMessage(ctx, msg.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := f.conv.DeleteMessage(ctx, msg.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestConversationClear(t *testing.T) {
	f := newConversationForTest(t, nil, nil)
	ctx := context.Background()

	s, err := f.mgr.CreateSession(ctx, "owner-1", nil, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := f.conv.AppendMessage(ctx, s.ID, domain.MessageRoleUser, "x", nil); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	f.conv.Wait()

	n, err := f.conv.ClearConversation(ctx, s.ID)
	if err != nil || n != 3 {
		t.Fatalf("clear: n=%d err=%v", n, err)
	}
	if count, _ := f.conv.CountMessages(ctx, s.ID); count != 0 {
		t.Fatalf("expected empty history, got %d", count)
	}

	f.clock.Advance(testWindow + time.Second)
	if _, err := f.conv.ClearConversation(ctx, s.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("clear on expired session must be ErrNotFound, got %v", err)
	}
}

func TestConversationSummaryAtThreshold(t *testing.T) {
	f := newConversationForTest(t, nil, func(o *ConversationOptions) {
		o.SummaryThreshold = 3
		o.SummaryWindow = 2
	})
	ctx := context.Background()

	s, err := f.mgr.CreateSession(ctx, "owner-1", map[string]any{"topic": "billing"}, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := f.conv.AppendMessage(ctx, s.ID, domain.MessageRoleUser, fmt.Sprintf("m%d", i), nil); err != nil {
			t.Fatalf("append: %v", err)
		}
		f.conv.Wait()
	}
	got, _ := f.mgr.GetSession(ctx, s.ID)
	if _, ok := got.Context[SummaryContextKey]; ok {
		t.Fatal("summary must not exist below threshold")
	}

	if _, err := f.conv.AppendMessage(ctx, s.ID, domain.MessageRoleAssistant, "m2", nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	f.conv.Wait()

	stored, err := f.repo.FindByID(ctx, s.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	summary, ok := stored.Context[SummaryContextKey].(map[string]any)
	if !ok {
		t.Fatalf("expected summary in context, got %+v", stored.Context)
	}
	if summary["text"] != "user: m1\nassistant: m2" {
		t.Fatalf("unexpected summary text %q", summary["text"])
	}
	if summary["message_count"] != float64(3) {
		t.Fatalf("unexpected message_count %v", summary["message_count"])
	}
	if stored.Context["topic"] != "billing" {
		t.Fatal("summary must not clobber other context keys")
	}
}

type panickingSummarizer struct{}

func (panickingSummarizer) Summarize(context.Context, []domain.ConversationMessage) (string, error) {
	panic("summarizer exploded")
}

type failingSummarizer struct{}

func (failingSummarizer) Summarize(context.Context, []domain.ConversationMessage) (string, error) {
	return "", errors.New("model offline")
}

// gatedCountRepo holds every CountBySession call until release is closed.
type gatedCountRepo struct {
	repository.MessageRepository
	release chan struct{}
}

func (r *gatedCountRepo) CountBySession(ctx context.Context, sessionID string) (int64, error) {
	select {
	case <-r.release:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	return r.MessageRepository.CountBySession(ctx, sessionID)
}

func TestConversationSummaryWhenTasksLagBehindAppends(t *testing.T) {
	lf := newLifecycleForTest(t, NewInMemorySessionCacheStore(), nil)
	gated := &gatedCountRepo{MessageRepository: repository.NewMessageRepository(lf.db), release: make(chan struct{})}
	conv := NewConversationService(lf.mgr, gated, nil, ConversationOptions{
		SummaryThreshold: 3,
		SummaryWindow:    10,
		SummaryTimeout:   5 * time.Second,
		StoreTimeout:     5 * time.Second,
		Now:              lf.clock.Now,
	}, nil)
	ctx := context.Background()

	s, err := lf.mgr.CreateSession(ctx, "owner-1", nil, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := 0; i < 4; i++ {
		if _, err := conv.AppendMessage(ctx, s.ID, domain.MessageRoleUser, fmt.Sprintf("m%d", i), nil); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	close(gated.release)
	conv.Wait()

	stored, err := lf.repo.FindByID(ctx, s.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	summary, ok := stored.Context[SummaryContextKey].(map[string]any)
	if !ok {
		t.Fatalf("threshold crossed with 4 messages but no summary written: %+v", stored.Context)
	}
	if summary["message_count"] != float64(4) {
		t.Fatalf("unexpected message_count %v", summary["message_count"])
	}
}

func TestConversationSummaryNotRepeatedWithinBucket(t *testing.T) {
	f := newConversationForTest(t, nil, func(o *ConversationOptions) {
		o.SummaryThreshold = 2
	})
	ctx := context.Background()

	s, err := f.mgr.CreateSession(ctx, "owner-1", nil, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := f.conv.AppendMessage(ctx, s.ID, domain.MessageRoleUser, fmt.Sprintf("m%d", i), nil); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		f.conv.Wait()
	}
	stored, err := f.repo.FindByID(ctx, s.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got := summarizedCount(stored.Context); got != 2 {
		t.Fatalf("expected summary to stay at the crossing count 2, got %d", got)
	}
}

func TestConversationDetachedFailuresDoNotFailAppend(t *testing.T) {
	for name, summarizer := range map[string]Summarizer{"panic": panickingSummarizer{}, "error": failingSummarizer{}} {
		t.Run(name, func(t *testing.T) {
			f := newConversationForTest(t, summarizer, func(o *ConversationOptions) { o.SummaryThreshold = 1 })
			ctx := context.Background()

			s, err := f.mgr.CreateSession(ctx, "owner-1", nil, nil)
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			if _, err := f.conv.AppendMessage(ctx, s.ID, domain.MessageRoleUser, "hi", nil); err != nil {
				t.Fatalf("append must succeed despite summarizer failure: %v", err)
			}
			f.conv.Wait()

			if n, _ := f.conv.CountMessages(ctx, s.ID); n != 1 {
				t.Fatalf("expected message persisted, count=%d", n)
			}
		})
	}
}
