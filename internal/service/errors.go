package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/sandeepkv93/realtime-chat-session-core/internal/domain"
)

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrAccessDenied    = errors.New("access denied")
	ErrUnavailable     = errors.New("unavailable")
	ErrUnauthenticated = errors.New("unauthenticated")
)

type Kind string

const (
	KindInvalidArgument Kind = "invalid_argument"
	KindNotFound        Kind = "not_found"
	KindAccessDenied    Kind = "access_denied"
	KindUnavailable     Kind = "unavailable"
	KindUnauthenticated Kind = "unauthenticated"
	KindInternal        Kind = "internal"
)

// ErrorKind classifies err for transports. Unknown errors are internal.
func ErrorKind(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidArgument):
		return KindInvalidArgument
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrAccessDenied):
		return KindAccessDenied
	case errors.Is(err, ErrUnauthenticated):
		return KindUnauthenticated
	case errors.Is(err, ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		return KindUnavailable
	default:
		return KindInternal
	}
}

func invalidArgument(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

var (
	errSessionGone  = fmt.Errorf("%w: session not found or expired", ErrNotFound)
	errMessageGone  = fmt.Errorf("%w: message not found", ErrNotFound)
	errSessionOwner = fmt.Errorf("%w: access denied to session", ErrAccessDenied)
)

// AuthorizeOwner returns an access-denied error unless ownerID owns s.
func AuthorizeOwner(s *domain.Session, ownerID string) error {
	if s == nil {
		return errSessionGone
	}
	if ownerID == "" || s.OwnerID != ownerID {
		return errSessionOwner
	}
	return nil
}
