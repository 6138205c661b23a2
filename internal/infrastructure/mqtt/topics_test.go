package mqtt

import "testing"

func TestTopicBuilders(t *testing.T) {
	topics := NewTopics("/home/shelly/")
	id := "shellyplus1pm-441793d69718"

	tests := []struct {
		name     string
		got      string
		expected string
	}{
		{"DeviceState", topics.DeviceState(id, "switch:0"), "home/shelly/state/" + id + "/switch:0"},
		{"Availability", topics.Availability(id), "home/shelly/availability/" + id},
		{"Event", topics.Event(id), "home/shelly/event/" + id},
		{"Command", topics.Command(id, "cover:0"), "home/shelly/command/" + id + "/cover:0"},
		{"Ack", topics.Ack(id), "home/shelly/ack/" + id},
		{"AllCommands", topics.AllCommands(), "home/shelly/command/+/+"},
		{"SystemStatus", topics.SystemStatus(), "home/shelly/system/status"},
		{"DefaultPrefix", NewTopics("").SystemStatus(), "shellycore/system/status"},
		{"ZeroValue", Topics{}.Availability(id), "shellycore/availability/" + id},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.expected {
				t.Errorf("got %q, want %q", tt.got, tt.expected)
			}
		})
	}
}

func TestParseCommand(t *testing.T) {
	topics := NewTopics("shellycore")

	tests := []struct {
		topic      string
		wantDevice string
		wantComp   string
		wantOK     bool
	}{
		{"shellycore/command/shelly1-b929cc/relay:0", "shelly1-b929cc", "relay:0", true},
		{"shellycore/command/shelly1-b929cc", "", "", false},
		{"shellycore/command//relay:0", "", "", false},
		{"shellycore/command/a/b/c", "", "", false},
		{"other/command/a/b", "", "", false},
		{"shellycore/state/a/b", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			dev, comp, ok := topics.ParseCommand(tt.topic)
			if ok != tt.wantOK || dev != tt.wantDevice || comp != tt.wantComp {
				t.Errorf("ParseCommand(%q) = %q, %q, %v", tt.topic, dev, comp, ok)
			}
		})
	}
}
