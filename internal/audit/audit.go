// Package audit defines the decision log entries written for every delivery
// outcome and lifecycle change.
package audit

import "time"

type Action string

const (
	Sent      Action = "sent"
	Skipped   Action = "skipped"
	Failed    Action = "failed"
	Denied    Action = "denied"
	Published Action = "published"
	Expired   Action = "expired"
	Retracted Action = "retracted"
	Disarmed  Action = "disarmed"
)

type Entry struct {
	At      time.Time `json:"at"`
	RunID   string    `json:"run_id,omitempty"`
	Tenant  string    `json:"tenant"`
	AdID    string    `json:"ad_id"`
	Channel string    `json:"channel,omitempty"`
	Action  Action    `json:"action"`
	Detail  string    `json:"detail,omitempty"`
}
