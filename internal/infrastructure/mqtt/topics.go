package mqtt

import (
	"fmt"
	"strings"
)

// Topic prefixes for the robotlink MQTT hierarchy.
//
//	robotlink/{robot}/request              client requests (server subscribes)
//	robotlink/{robot}/reply/{session}      replies for one client session
//	robotlink/{robot}/broadcast            broadcast events (values, operation lifecycle)
//	robotlink/device/{robot}/attr/{name}   attribute values from the device bridge
//	robotlink/device/{robot}/put/{name}    attribute writes to the device bridge
//	robotlink/system/status/{client_id}    retained online/offline status
const (
	// TopicPrefix is the base for all robotlink topics.
	TopicPrefix = "robotlink"

	// TopicPrefixDevice is the base for device bridge topics.
	TopicPrefixDevice = "robotlink/device"

	// TopicPrefixSystem is the base for system topics.
	TopicPrefixSystem = "robotlink/system"
)

// Topics provides builders for robotlink MQTT topics.
//
//	topics := mqtt.Topics{}
//	topics.Broadcast("arm-1") // "robotlink/arm-1/broadcast"
type Topics struct{}

// Request returns the topic the server listens on for client requests.
func (Topics) Request(robot string) string {
	return fmt.Sprintf("%s/%s/request", TopicPrefix, robot)
}

// Reply returns the reply topic for one client session.
func (Topics) Reply(robot, session string) string {
	return fmt.Sprintf("%s/%s/reply/%s", TopicPrefix, robot, session)
}

// Broadcast returns the broadcast event topic for a robot.
func (Topics) Broadcast(robot string) string {
	return fmt.Sprintf("%s/%s/broadcast", TopicPrefix, robot)
}

// DeviceAttribute returns the topic on which the bridge publishes an attribute value.
func (Topics) DeviceAttribute(robot, name string) string {
	return fmt.Sprintf("%s/%s/attr/%s", TopicPrefixDevice, robot, name)
}

// DevicePut returns the topic on which attribute writes are sent to the bridge.
func (Topics) DevicePut(robot, name string) string {
	return fmt.Sprintf("%s/%s/put/%s", TopicPrefixDevice, robot, name)
}

// AllDeviceAttributes returns a pattern matching every attribute of a robot.
//
// Pattern: robotlink/device/{robot}/attr/+
func (Topics) AllDeviceAttributes(robot string) string {
	return fmt.Sprintf("%s/%s/attr/+", TopicPrefixDevice, robot)
}

// AllDevicePuts returns a pattern matching every attribute write for a robot.
// The simulator bridge subscribes here.
func (Topics) AllDevicePuts(robot string) string {
	return fmt.Sprintf("%s/%s/put/+", TopicPrefixDevice, robot)
}

// SystemStatus returns the retained status topic for one client.
//
// Example: robotlink/system/status/robotlink-server
func (Topics) SystemStatus(clientID string) string {
	return fmt.Sprintf("%s/status/%s", TopicPrefixSystem, clientID)
}

// AllSystemStatus returns a pattern matching every client's status topic.
func (Topics) AllSystemStatus() string {
	return fmt.Sprintf("%s/status/+", TopicPrefixSystem)
}

// AttributeName extracts the attribute name from a device attr or put topic.
// It returns false if the topic belongs to another robot or is not a device topic.
func (Topics) AttributeName(robot, topic string) (string, bool) {
	for _, kind := range []string{"attr", "put"} {
		prefix := fmt.Sprintf("%s/%s/%s/", TopicPrefixDevice, robot, kind)
		if name, ok := strings.CutPrefix(topic, prefix); ok && name != "" && !strings.Contains(name, "/") {
			return name, true
		}
	}
	return "", false
}
