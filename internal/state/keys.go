package state

import "fmt"

// keyPrefix namespaces all engine state in Redis.
const keyPrefix = "workflow:v2:"

func jobKey(jobID string) string {
	return keyPrefix + "jobs:" + jobID
}

func unitKey(jobID, unitID string) string {
	return fmt.Sprintf("%sjobs:%s:units:%s", keyPrefix, jobID, unitID)
}

func unitKeyPattern(jobID string) string {
	return fmt.Sprintf("%sjobs:%s:units:*", keyPrefix, jobID)
}

func jobLockKey(jobID string) string {
	return jobKey(jobID) + ":lock"
}

func unitLockKey(jobID, unitID string) string {
	return unitKey(jobID, unitID) + ":lock"
}

func cancelKey(jobID string) string {
	return jobKey(jobID) + ":cancelled"
}

func jobActivitiesKey(jobID string) string {
	return jobKey(jobID) + ":activities"
}

const (
	pendingActivitiesKey = keyPrefix + "activities:pending"
	jobsIndexKey         = keyPrefix + "jobs:index"
	jobsActiveKey        = keyPrefix + "jobs:active"
)

func jobsByVenueKey(venueID string) string {
	return keyPrefix + "jobs:by_venue:" + venueID
}

// EventsChannel is the pub/sub channel carrying one job's events.
func EventsChannel(jobID string) string {
	return keyPrefix + "events:" + jobID
}

// GlobalEventsChannel carries every job's events.
const GlobalEventsChannel = keyPrefix + "events:global"
