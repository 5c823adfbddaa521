// Package logging builds the slog logger every robotlink binary shares.
//
// Entries carry service and version, and Robot or Component add a robot id or
// a subsystem name. Attributes whose key names a credential (password, secret,
// token, access_token, authorization) are logged as [redacted].
//
// The logging section of the config picks the level (debug to error), the
// json or text format, stdout or stderr, and whether to add file:line:
//
//	log := logging.New(cfg.Logging, version).Robot(cfg.Robot.ID)
//	log.Component("dispatcher").Warn("request rejected", "error", err)
package logging
