// Package robot installs the robot operation set on a server.
//
// Install registers the queries, background and foreground tasks a robot
// controller supports, and the handlers for the SetAttribute updates the
// controller writes to client_update.
package robot
