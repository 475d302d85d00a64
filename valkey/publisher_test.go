package valkey

import (
	"testing"

	"shuttlelink/config"
	"shuttlelink/task"
)

func TestJoinKey(t *testing.T) {
	tests := []struct {
		name     string
		segments []string
		expected string
	}{
		{"simple", []string{"a", "b", "c"}, "a:b:c"},
		{"empty segment dropped", []string{"a", "", "c"}, "a:c"},
		{"colons trimmed", []string{":a:", "b:"}, "a:b"},
		{"all empty", []string{"", ""}, ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := joinKey(tc.segments...); got != tc.expected {
				t.Errorf("joinKey(%v) = %q, want %q", tc.segments, got, tc.expected)
			}
		})
	}
}

func TestKeys(t *testing.T) {
	p := NewPublisher(&config.ValkeyConfig{Name: "test", Selector: "line-2"}, "plant-a")

	if got := p.resultKey("CMD-1"); got != "plant-a:line-2:results:CMD-1" {
		t.Errorf("resultKey = %q", got)
	}
	if got := p.channel(); got != "plant-a:line-2:results" {
		t.Errorf("channel = %q", got)
	}

	bare := NewPublisher(&config.ValkeyConfig{Name: "test"}, "plant-a")
	if got := bare.resultKey("CMD-1"); got != "plant-a:results:CMD-1" {
		t.Errorf("resultKey without selector = %q", got)
	}
}

func TestPublishWhileStopped(t *testing.T) {
	p := NewPublisher(&config.ValkeyConfig{Name: "test"}, "ns")
	if err := p.Publish(task.Notification{CommandID: "CMD-1"}); err != nil {
		t.Errorf("publish while stopped should be a no-op, got %v", err)
	}
}
