package gateway

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sandeepkv93/realtime-chat-session-core/internal/service"
)

var errNotInRoom = errors.New("not in a room")

func invalidEvent(reason string) error {
	return fmt.Errorf("%w: %s", service.ErrInvalidArgument, reason)
}

// errorEvent maps a failed operation onto the code and reason sent to the
// client. Only handshake failures close the connection.
func errorEvent(err error) (code, reason string) {
	if errors.Is(err, errNotInRoom) {
		return CodeInvalidArgument, ReasonNotInRoom
	}
	switch service.ErrorKind(err) {
	case service.KindInvalidArgument:
		reason = strings.TrimPrefix(err.Error(), service.ErrInvalidArgument.Error()+": ")
		return CodeInvalidArgument, reason
	case service.KindNotFound:
		return CodeNotFound, ReasonSessionGone
	case service.KindAccessDenied:
		return CodeAccessDenied, ReasonAccessDenied
	case service.KindUnauthenticated:
		return CodeUnauthenticated, ReasonUnauthenticated
	case service.KindUnavailable:
		return CodeUnavailable, ReasonUnavailable
	default:
		return CodeInternal, ReasonInternal
	}
}
