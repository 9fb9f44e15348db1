package eventbus

// Event types published on the bus.
const (
	TaskStarted  = "task.started"
	TaskFinished = "task.finished"
	TaskFailed   = "task.failed"
	TaskSkipped  = "task.skipped"
	TaskDropped  = "task.dropped"

	AdSent      = "ad.sent"
	AdPublished = "ad.published"
	AdSkipped   = "ad.skipped"
	AdFailed    = "ad.failed"
	AdExpired   = "ad.expired"
	AdRetracted = "ad.retracted"
	AdDenied    = "ad.denied"
)

// AdEvent is the payload of the ad.* events.
type AdEvent struct {
	RunID      string `json:"run_id,omitempty"`
	Tenant     string `json:"tenant"`
	AdID       string `json:"ad_id"`
	Channel    string `json:"channel,omitempty"`
	MessageRef string `json:"message_ref,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Error      string `json:"error,omitempty"`
}
