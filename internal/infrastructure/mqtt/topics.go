package mqtt

import "fmt"

// Gray Logic topics are flat: graylogic/{category}/{protocol}/{address}.
// Client presence lives under graylogic/system.
const (
	TopicPrefixBridge = "graylogic"
	TopicPrefixSystem = "graylogic/system"
)

// Topics builds Gray Logic MQTT topics.
//
//	mqtt.Topics{}.BridgeState("dobiss", "1.3") // graylogic/state/dobiss/1.3
type Topics struct{}

func (Topics) bridge(category, protocol, leaf string) string {
	return fmt.Sprintf("%s/%s/%s/%s", TopicPrefixBridge, category, protocol, leaf)
}

// BridgeState is the retained state topic for one device address.
func (t Topics) BridgeState(protocol, address string) string {
	return t.bridge("state", protocol, address)
}

// BridgeCommand is the topic Core publishes device commands on.
func (t Topics) BridgeCommand(protocol, address string) string {
	return t.bridge("command", protocol, address)
}

// BridgeAck carries the bridge's answer to a command.
func (t Topics) BridgeAck(protocol, address string) string {
	return t.bridge("ack", protocol, address)
}

// BridgeRequest is the topic Core publishes a request on.
func (t Topics) BridgeRequest(protocol, requestID string) string {
	return t.bridge("request", protocol, requestID)
}

// BridgeResponse carries the reply to one request.
func (t Topics) BridgeResponse(protocol, requestID string) string {
	return t.bridge("response", protocol, requestID)
}

// BridgeHealth is the retained health topic of a bridge.
//
// Example: graylogic/health/dobiss
func (Topics) BridgeHealth(protocol string) string {
	return fmt.Sprintf("%s/health/%s", TopicPrefixBridge, protocol)
}

// BridgeCommands matches every command for one protocol.
func (t Topics) BridgeCommands(protocol string) string {
	return t.bridge("command", protocol, "#")
}

// BridgeRequests matches every request for one protocol.
func (t Topics) BridgeRequests(protocol string) string {
	return t.bridge("request", protocol, "#")
}

// ClientStatus is the retained presence topic for one MQTT client.
//
// Example: graylogic/system/client/graylogic-dobiss/status
func (Topics) ClientStatus(clientID string) string {
	return fmt.Sprintf("%s/client/%s/status", TopicPrefixSystem, clientID)
}
