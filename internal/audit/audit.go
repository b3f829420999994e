package audit

import (
	"context"

	"github.com/abrahaamv/realtime-gateway/pkg/log"
)

// Audit actions for the realtime gateway.
const (
	ActionConnect     = "gateway.connect"
	ActionAuthFailed  = "gateway.auth_failed"
	ActionSendMessage = "gateway.send_message"
	ActionDisconnect  = "gateway.disconnect"
	ActionShutdown    = "gateway.shutdown"
)

// Field constants for audit entries.
const (
	FieldAction = "action"
	FieldDetail = "detail"
)

// Log emits a structured audit log entry via the context logger.
func Log(ctx context.Context, action, userID, msg string) {
	l := log.Ctx(ctx)
	l.Info().
		Str(log.FieldLogType, log.LogTypeAudit).
		Str(FieldAction, action).
		Str(log.FieldUserID, userID).
		Msg(msg)
}

// LogWithDetail emits an audit log with an extra detail field.
func LogWithDetail(ctx context.Context, action, userID, detail, msg string) {
	l := log.Ctx(ctx)
	l.Info().
		Str(log.FieldLogType, log.LogTypeAudit).
		Str(FieldAction, action).
		Str(log.FieldUserID, userID).
		Str(FieldDetail, detail).
		Msg(msg)
}
