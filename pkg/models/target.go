package models

import (
	"fmt"
	"strings"
)

type TargetKind string

const (
	TargetQueue TargetKind = "queue"
	TargetTopic TargetKind = "topic"
)

type TargetRef struct {
	Kind TargetKind `json:"kind" mapstructure:"kind"`
	Name string     `json:"name" mapstructure:"name"`
}

func QueueTarget(name string) TargetRef {
	return TargetRef{Kind: TargetQueue, Name: name}
}

func TopicTarget(name string) TargetRef {
	return TargetRef{Kind: TargetTopic, Name: name}
}

func (t TargetRef) String() string {
	return string(t.Kind) + ":" + t.Name
}

// ParseTargetRef accepts "queue:name" or "topic:name". A bare name is a queue.
func ParseTargetRef(s string) (TargetRef, error) {
	kind, name, ok := strings.Cut(s, ":")
	if !ok {
		kind, name = string(TargetQueue), s
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return TargetRef{}, fmt.Errorf("target %q has no name", s)
	}

	switch TargetKind(kind) {
	case TargetQueue, TargetTopic:
		return TargetRef{Kind: TargetKind(kind), Name: name}, nil
	default:
		return TargetRef{}, fmt.Errorf("target %q has unknown kind %q (valid: queue, topic)", s, kind)
	}
}
