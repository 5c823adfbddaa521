// Package config loads robotlink's YAML configuration.
//
// Load reads the file over a set of defaults and then applies ROBOTLINK_*
// environment overrides such as ROBOTLINK_ROBOT_ID or ROBOTLINK_JWT_SECRET.
// Validate reports every problem it finds in one error instead of stopping at
// the first.
//
// Keep credentials (the MQTT password, the InfluxDB token and the JWT secret)
// in the environment rather than in the file. While security.jwt.secret is
// empty the HTTP API runs without authentication.
//
//	cfg, err := config.Load(path)
//	if err != nil {
//	    return err
//	}
//	delay := cfg.Device.ProcessDelayDuration()
package config
