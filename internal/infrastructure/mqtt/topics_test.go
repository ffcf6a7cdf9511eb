package mqtt

import "testing"

func TestTopicBuilders(t *testing.T) {
	topics := Topics{NodeID: "sled-001"}

	cases := []struct {
		got  string
		want string
	}{
		{topics.Status(), "tianshan/sled-001/status"},
		{topics.Event("power", "alert"), "tianshan/sled-001/event/power/alert"},
		{topics.Telemetry("agx"), "tianshan/sled-001/telemetry/power/agx"},
	}
	for _, c := range cases {
		if c.got != c.want {
			t.Errorf("topic = %q, want %q", c.got, c.want)
		}
	}
}
