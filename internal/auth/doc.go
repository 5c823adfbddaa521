// Package auth issues and validates the bearer tokens used by the HTTP API.
//
// Tokens are HS256 JWTs carrying a subject and a role. Roles map to a static
// permission set:
//
//	observer  robot:read
//	operator  robot:read, robot:operate
//	admin     robot:read, robot:operate, system:admin
//
// Reading status, history and the WebSocket relay needs robot:read.
// Submitting requests needs robot:operate.
package auth
