// Package broadcast implements the server's one-to-many event channel.
//
// Attribute changes and operation lifecycle events are submitted to a
// Publisher, which queues them in a bounded FIFO and delivers them, in order,
// to a Sink from a single goroutine. Sinks include the MQTT broadcast topic,
// the WebSocket relay and the history recorders, combined with Fanout.
//
//	sink := broadcast.Fanout{
//	    broadcast.NewMQTTSink(mqttClient, "arm-1", protocol.JSON, 1),
//	    hub,
//	}
//	pub := broadcast.NewPublisher(sink, broadcast.Options{QueueSize: 1024})
//	pub.Start()
//	defer pub.Stop()
package broadcast
