package domain

import (
	"testing"
	"time"
)

func TestSessionStatusValid(t *testing.T) {
	for _, s := range []SessionStatus{SessionStatusActive, SessionStatusInactive, SessionStatusExpired} {
		if !s.Valid() {
			t.Fatalf("expected %q to be valid", s)
		}
	}
	for _, s := range []SessionStatus{"", "active", "DELETED"} {
		if s.Valid() {
			t.Fatalf("expected %q to be invalid", s)
		}
	}
}

func TestMessageRoleValid(t *testing.T) {
	if !MessageRoleAssistant.Valid() || MessageRole("bot").Valid() {
		t.Fatal("unexpected role validation result")
	}
}

func TestSessionIsLive(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		name string
		s    *Session
		want bool
	}{
		{name: "nil", s: nil, want: false},
		{name: "active in window", s: &Session{Status: SessionStatusActive, ExpiresAt: now.Add(time.Minute)}, want: true},
		{name: "inactive in window", s: &Session{Status: SessionStatusInactive, ExpiresAt: now.Add(time.Minute)}, want: true},
		{name: "active at deadline", s: &Session{Status: SessionStatusActive, ExpiresAt: now}, want: false},
		{name: "expired status", s: &Session{Status: SessionStatusExpired, ExpiresAt: now.Add(time.Hour)}, want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.s.IsLive(now); got != tc.want {
				t.Fatalf("IsLive()=%v want %v", got, tc.want)
			}
		})
	}
}
