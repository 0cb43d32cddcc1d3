// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// Topic validation errors.
var (
	ErrBadTopic      = errors.New("topic is not valid")
	ErrBadUTF8       = errors.New("topic is not valid UTF-8")
	ErrBadSysTopic   = errors.New("system topic is not valid")
	ErrNotAuthorized = errors.New("topic is not authorized")
	ErrSysNotAllowed = errors.New("system topics are not allowed")
	ErrSharedDenied  = errors.New("shared subscriptions are not allowed")
)

// ValidUTF8 reports whether s is UTF-8 without control characters or
// Unicode non-characters, as MQTT requires for strings.
func ValidUTF8(s string) bool {
	for i := 0; i < len(s); {
		c := s[i]
		if c < utf8.RuneSelf {
			if c < 0x20 || c == 0x7F {
				return false
			}
			i++
			continue
		}
		r, size := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && size == 1 {
			return false
		}
		if r <= 0x9F || (r >= 0xFDD0 && r <= 0xFDEF) || r&0xFFFE == 0xFFFE {
			return false
		}
		i += size
	}
	return true
}

// Check validates a topic name, or a topic filter when filter is set.
// Wildcards must occupy whole segments and # must be last.
func Check(topic string, filter bool) error {
	if topic == "" {
		return ErrBadTopic
	}
	if !ValidUTF8(topic) {
		return ErrBadUTF8
	}
	if !filter {
		if strings.ContainsAny(topic, "+#") {
			return ErrBadTopic
		}
		return nil
	}

	for rest := topic; ; {
		seg, tail, more := strings.Cut(rest, "/")
		switch {
		case seg == "#":
			if more {
				return ErrBadTopic
			}
		case seg == "+":
		case strings.ContainsAny(seg, "+#"):
			return ErrBadTopic
		}
		if !more {
			return nil
		}
		rest = tail
	}
}

// ValidateTopicName checks if the topic name is valid for PUBLISH.
func ValidateTopicName(topic string) error {
	return Check(topic, false)
}

// IsSys reports whether topic is a $SYS topic.
func IsSys(topic string) bool {
	return strings.HasPrefix(topic, "$SYS/")
}
