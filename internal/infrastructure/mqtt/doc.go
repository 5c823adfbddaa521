// Package mqtt wraps the paho client for robotlink's broker traffic.
//
// Per robot, three flows share the broker:
//
//	client  --request-->   server   --reply/{session}--> client
//	server  --broadcast--> every client
//	bridge  <--attr/put--> server (device attribute bus)
//
// Topics builds every name in that hierarchy. A Client replays its tracked
// subscriptions after each reconnect and keeps a retained online/offline
// status under robotlink/system/status, with the broker will covering crashes.
//
// Publish and Subscribe check topics before they reach paho: publish topics
// may not hold wildcards, and filters must use '+' and '#' on whole levels.
//
//	c, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer c.Close()
//	err = c.Subscribe(mqtt.Topics{}.Broadcast(robotID), 1, onEvent)
package mqtt
