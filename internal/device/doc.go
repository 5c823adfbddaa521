// Package device adapts the robot controller to the robotlink server.
//
// The controller exposes a fixed set of named attributes (see Attributes).
// Values travel over an AttributeBus: MQTTBus talks to a device bridge on
// the robotlink/device topics, MemoryBus keeps them in memory, and Simulator
// adds enough controller behaviour to run tasks without hardware.
//
// Robot layers the controller's task handshake on top of the bus:
//
//	robot := device.NewRobot(bus, device.Options{})
//	result, err := robot.RunTask(ctx, "calibrate", "left")
//
// SetAttribute updates written by the controller to client_update are
// decoded by ParseUpdate and routed by UpdateRouter.
package device
