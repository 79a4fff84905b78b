package notifications

// Package notifications fans repository events out to registered delivery
// methods. Registrations live in the store, dispatch runs through the reliable
// queue so a slow receiver never blocks the request path.

import (
	"encoding/json"
	"regexp"

	"github.com/ocistack/stevedore/app/store"
)

// event kinds
const (
	EventRepoPush           = "repo_push"
	EventBuildStart         = "build_start"
	EventBuildSuccess       = "build_success"
	EventBuildFailure       = "build_failure"
	EventVulnerabilityFound = "vulnerability_found"
	EventMirrorSyncStarted  = "repo_mirror_sync_started"
	EventMirrorSyncSuccess  = "repo_mirror_sync_success"
	EventMirrorSyncFailed   = "repo_mirror_sync_failed"
)

// eventLevels drive presentation on receivers which distinguish severity.
var eventLevels = map[string]string{
	EventRepoPush:           "info",
	EventBuildStart:         "info",
	EventBuildSuccess:       "success",
	EventBuildFailure:       "error",
	EventVulnerabilityFound: "warning",
	EventMirrorSyncStarted:  "info",
	EventMirrorSyncSuccess:  "success",
	EventMirrorSyncFailed:   "error",
}

// ValidEvent reports whether the kind is part of the closed event set.
func ValidEvent(kind string) bool {
	_, ok := eventLevels[kind]
	return ok
}

// EventLevel returns the presentation level of an event kind.
func EventLevel(kind string) string {
	if level, ok := eventLevels[kind]; ok {
		return level
	}
	return "info"
}

// severityRanks orders scanner severities, the most severe first. The rank is
// monotonic, a smaller number means a bigger problem.
var severityRanks = map[string]int{
	"Defcon1":    0,
	"Critical":   1,
	"High":       2,
	"Medium":     3,
	"Low":        4,
	"Negligible": 5,
	"Unknown":    6,
}

// SeverityRank maps a scanner severity name to its rank. Unrecognized names
// rank as Unknown.
func SeverityRank(name string) int {
	if rank, ok := severityRanks[name]; ok {
		return rank
	}
	return severityRanks["Unknown"]
}

// buildEventFilter is the per-notification config of build events.
type buildEventFilter struct {
	RefRegex string `json:"ref-regex"`
}

// vulnerabilityEventFilter is the per-notification config of scanner events.
type vulnerabilityEventFilter struct {
	Level *int `json:"level"` // minimum severity rank to deliver
}

// ShouldPerform applies the notification's event filters to one event payload.
// A filter which cannot be evaluated suppresses delivery rather than letting
// an unchecked event through.
func ShouldPerform(event string, data map[string]interface{}, n store.RegisteredNotification) bool {
	switch event {
	case EventBuildStart, EventBuildSuccess, EventBuildFailure:
		return buildRefMatches(data, n.EventConfig)
	case EventVulnerabilityFound:
		return vulnerabilitySevereEnough(data, n.EventConfig)
	}
	return true
}

func buildRefMatches(data map[string]interface{}, config json.RawMessage) bool {
	var filter buildEventFilter
	if len(config) > 0 {
		if err := json.Unmarshal(config, &filter); err != nil {
			return false
		}
	}
	if filter.RefRegex == "" {
		return true
	}
	re, err := regexp.Compile(filter.RefRegex)
	if err != nil {
		return false
	}
	meta, _ := data["trigger_metadata"].(map[string]interface{})
	ref, _ := meta["ref"].(string)
	return re.MatchString(ref)
}

func vulnerabilitySevereEnough(data map[string]interface{}, config json.RawMessage) bool {
	var filter vulnerabilityEventFilter
	if len(config) > 0 {
		if err := json.Unmarshal(config, &filter); err != nil {
			return false
		}
	}
	if filter.Level == nil {
		return true
	}
	vuln, _ := data["vulnerability"].(map[string]interface{})
	priority, _ := vuln["priority"].(string)
	return SeverityRank(priority) <= *filter.Level
}
