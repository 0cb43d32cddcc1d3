// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics

import "strings"

const (
	sharePrefix       = "$share/"
	legacySharePrefix = "$SharedSubscription/"
)

// ParseShared parses a shared subscription filter in either the MQTT 5
// form $share/{ShareName}/{TopicFilter} or the legacy form
// $SharedSubscription/{ShareName}/{TopicFilter}.
//
// Examples:
//   - "$share/group1/sensors/#" -> ("group1", "sensors/#", true)
//   - "sensors/#" -> ("", "sensors/#", false)
func ParseShared(filter string) (shareName, topicFilter string, isShared bool) {
	var rest string
	switch {
	case strings.HasPrefix(filter, sharePrefix):
		rest = filter[len(sharePrefix):]
	case strings.HasPrefix(filter, legacySharePrefix):
		rest = filter[len(legacySharePrefix):]
	default:
		return "", filter, false
	}

	name, topic, ok := strings.Cut(rest, "/")
	if !ok {
		return "", filter, false
	}
	return name, topic, true
}

// IsShared returns true if the filter is a shared subscription.
func IsShared(filter string) bool {
	return strings.HasPrefix(filter, sharePrefix) || strings.HasPrefix(filter, legacySharePrefix)
}

// SharedFilter builds the canonical shared subscription filter the backend
// expects: the share name is scoped by org.
func SharedFilter(org, name, filter string) string {
	if !strings.HasPrefix(name, org+":") {
		name = org + ":" + name
	}
	return legacySharePrefix + name + "/" + filter
}

var shareNameReplacer = strings.NewReplacer("/", ":", "+", "&", "#", "*")

// LegacyShareName derives the share name a scale-out application uses when
// it subscribes without naming a share group.
func LegacyShareName(org, app, filter string) string {
	return org + ":" + app + ":" + shareNameReplacer.Replace(filter)
}
