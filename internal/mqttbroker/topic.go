package mqttbroker

import (
	"errors"
	"strings"
)

var (
	errEmptyTopic    = errors.New("empty topic")
	errWildcardTopic = errors.New("wildcards are not allowed in topic names")
	errInvalidFilter = errors.New("invalid topic filter")
)

func validateTopicName(topic string) error {
	if topic == "" {
		return errEmptyTopic
	}
	if strings.ContainsAny(topic, "+#") {
		return errWildcardTopic
	}
	return nil
}

// ValidateFilter checks a subscription filter: '+' must fill a whole level and '#'
// must be the last level.
func ValidateFilter(filter string) error {
	if filter == "" {
		return errInvalidFilter
	}
	levels := strings.Split(filter, "/")
	for i, level := range levels {
		switch {
		case level == "#":
			if i != len(levels)-1 {
				return errInvalidFilter
			}
		case level == "+":
		case strings.ContainsAny(level, "+#"):
			return errInvalidFilter
		}
	}
	return nil
}

// Match reports whether topic matches filter. Topics beginning with '$' are not
// matched by filters starting with a wildcard.
func Match(filter, topic string) bool {
	if filter == topic {
		return true
	}
	if strings.HasPrefix(topic, "$") && (strings.HasPrefix(filter, "+") || strings.HasPrefix(filter, "#")) {
		return false
	}

	fl := strings.Split(filter, "/")
	tl := strings.Split(topic, "/")

	for i, f := range fl {
		if f == "#" {
			return true
		}
		if i >= len(tl) {
			return false
		}
		if f != "+" && f != tl[i] {
			return false
		}
	}
	return len(fl) == len(tl)
}
