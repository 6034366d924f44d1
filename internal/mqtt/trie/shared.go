package trie

import "strings"

// ParseSharedTopic parses "$share/<group>/<filter>". ok is false if topic
// does not carry the prefix or is malformed.
func ParseSharedTopic(topic string) (group, filter string, ok bool) {
	return parsePrefixedGroup(topic, "$share/")
}

// ParseQueueTopic parses "$queue/<filter>": all group
// members share a single anonymous group, so there is no group name to
// extract, only the stripped filter.
func ParseQueueTopic(topic string) (filter string, ok bool) {
	const prefix = "$queue/"
	if !strings.HasPrefix(topic, prefix) {
		return "", false
	}
	rest := topic[len(prefix):]
	if rest == "" {
		return "", false
	}
	return rest, true
}

// ParseExclusiveTopic parses "$exclusive/<filter>".
func ParseExclusiveTopic(topic string) (filter string, ok bool) {
	const prefix = "$exclusive/"
	if !strings.HasPrefix(topic, prefix) {
		return "", false
	}
	rest := topic[len(prefix):]
	if rest == "" {
		return "", false
	}
	return rest, true
}

func parsePrefixedGroup(topic, prefix string) (group, filter string, ok bool) {
	if !strings.HasPrefix(topic, prefix) {
		return "", "", false
	}
	rest := topic[len(prefix):]
	idx := strings.IndexByte(rest, '/')
	if idx <= 0 {
		return "", "", false
	}
	group = rest[:idx]
	filter = rest[idx+1:]
	if group == "" || filter == "" {
		return "", "", false
	}
	return group, filter, true
}
