package mqtt

import "fmt"

// Topic prefixes. Everything this node publishes lives under
// tianshan/{node_id}/ so that several sleds can share one broker.
const (
	// TopicRoot is the base for all topics.
	TopicRoot = "tianshan"
)

// Topics builds topic strings for one node. Using these helpers keeps
// topic naming consistent across the codebase.
type Topics struct {
	// NodeID identifies this sled controller on the broker.
	NodeID string
}

// Status returns the node status topic, also used for the LWT.
//
// Example: tianshan/sled-001/status
func (t Topics) Status() string {
	return fmt.Sprintf("%s/%s/status", TopicRoot, t.NodeID)
}

// Event returns the topic for a republished internal event.
//
// Example: tianshan/sled-001/event/power/alert
func (t Topics) Event(base, name string) string {
	return fmt.Sprintf("%s/%s/event/%s/%s", TopicRoot, t.NodeID, base, name)
}

// Telemetry returns the topic for a periodic rail sample.
//
// Example: tianshan/sled-001/telemetry/power/agx
func (t Topics) Telemetry(rail string) string {
	return fmt.Sprintf("%s/%s/telemetry/power/%s", TopicRoot, t.NodeID, rail)
}
