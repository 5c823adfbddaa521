// Package client is the observer side of robotlink.
//
// A Client pairs a RequestChannel, which performs one request/reply exchange
// at a time, with a Listener, which receives every broadcast event and keeps
// an AttributeMirror of the robot's attributes. Attribute observers are
// registered explicitly in an ObserverTable; operation callbacks are
// registered per handle at submission.
//
//	transport := client.NewMQTTTransport(mqttClient, "arm-1", protocol.JSON, 1)
//	c := client.New(transport, transport, client.Options{})
//	c.Observers().Observe("motors_on", func(name string, v any) { ... })
//	if err := c.Start(ctx); err != nil {
//	    return err
//	}
//	defer c.Close()
//
//	h, err := c.Submit(ctx, "calibrate", map[string]any{"target": "middle"},
//	    func(h protocol.Handle, stage protocol.Stage, msg, errMsg *string) { ... })
package client
