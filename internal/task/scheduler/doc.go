// Package scheduler registers named triggers (cron expressions, arbitrary
// cron.Schedule values, fixed intervals and one-shot times) and converts each
// fire into a task for the engine. It never executes work itself.
//
// Trigger names are upserted: registering a name again replaces the previous
// trigger, and a removed trigger never enqueues again even if its timer was
// already running.
package scheduler
