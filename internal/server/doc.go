// Package server runs the robot side of robotlink.
//
// A Server fronts one device Adapter. Requests from any transport go through
// a single RequestLoop into the dispatcher, one at a time. Attribute changes
// and operation lifecycle events go out through the broadcast Publisher.
//
//	srv, err := server.New(server.Options{Robot: "arm-1", Adapter: robot, Sink: sink})
//	robot.Install(srv)
//	srv.AddEndpoint(server.NewMQTTEndpoint(mqttClient, srv.Loop(), "arm-1", protocol.JSON, 1))
//	if err := srv.Start(ctx); err != nil {
//	    return err
//	}
//	defer srv.Stop(shutdownCtx)
package server
