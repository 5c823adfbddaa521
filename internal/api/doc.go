// Package api implements the HTTP REST API and WebSocket relay for a robot
// server.
//
// This package provides:
//   - POST /api/v1/requests, which runs a client request through the same
//     request loop as the MQTT endpoint
//   - attribute history reads backed by the history repository
//   - a WebSocket hub that relays every broadcast event
//   - JWT bearer authentication with role permissions
//   - an audit trail of HTTP requests and minted tokens
//   - health, status and Prometheus endpoints
//
// # Security
//
// When security.jwt.secret is empty the API is open and every caller acts
// as admin. Otherwise requests carry "Authorization: Bearer <jwt>" and
// WebSocket clients pass the same token in the token query parameter.
//
// # Lifecycle
//
//	srv, err := api.New(deps)
//	srv.Start(ctx)
//	defer srv.Close()
package api
