package gateway

import (
	"errors"
	"strings"

	"github.com/kilianp07/lastmile/core/model"
	"github.com/kilianp07/lastmile/core/transport"
)

// CodeFor maps an error to the message code sent back to clients.
func CodeFor(err error) transport.Code {
	var me *model.Error
	errors.As(err, &me)
	switch {
	case err == nil:
		return transport.CodeSuccess
	case errors.Is(err, model.ErrValidation):
		return transport.CodeInvalidParams
	case errors.Is(err, model.ErrNotFound):
		if me != nil && strings.HasPrefix(me.Msg, "driver") {
			return transport.CodeDriverNotFound
		}
		return transport.CodeOrderNotFound
	case errors.Is(err, model.ErrConflict):
		return conflictCode(me)
	default:
		return transport.CodeServerError
	}
}

func conflictCode(me *model.Error) transport.Code {
	if me == nil {
		return transport.CodeOrderInvalidTransition
	}
	switch {
	case strings.HasSuffix(me.Msg, "is offline"):
		return transport.CodeDriverOffline
	case strings.HasSuffix(me.Msg, "is busy"):
		return transport.CodeDriverBusy
	case strings.Contains(me.Msg, "not assigned"), strings.Contains(me.Msg, "was not offered"):
		return transport.CodeDriverNotAuthorized
	case me.Op == "dispatch.accept", me.Op == "orders.assign":
		return transport.CodeOrderAssignmentFailed
	case me.Op == "registry.status":
		return transport.CodeDriverOffline
	}
	return transport.CodeOrderInvalidTransition
}
