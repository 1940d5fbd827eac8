package logging

// Canonical field names for structured logs.
const (
	FieldEvent      = "event"
	FieldComponent  = "component"
	FieldExchangeID = "exchange_id"
	FieldRoute      = "route"
	FieldPhase      = "phase"
	FieldHeader     = "header"
	FieldUpstream   = "upstream"
	FieldPath       = "path"
	FieldStatus     = "status"
	FieldReason     = "reason"
	FieldConfigFile = "config_file"
	FieldListen     = "listen"
)
