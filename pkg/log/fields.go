package log

const (
	// Connection
	FieldClientID  = "client_id"
	FieldSessionID = "session_id"
	FieldUserID    = "user_id"
	FieldTenantID  = "tenant_id"
	FieldRemoteIP  = "remote_ip"

	// Bus
	FieldChannel  = "channel"
	FieldServerID = "server_id"

	// Protocol
	FieldMsgType   = "msg_type"
	FieldMessageID = "message_id"

	// Service
	FieldService = "service"

	// Log type (for audit log)
	FieldLogType = "log_type"
	LogTypeAudit = "audit"
)
