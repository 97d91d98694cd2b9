package promise

// Scheduler defers a function to run on the next tick of whatever drives
// it. [github.com/domyhero/amp/loop.Driver] implements this directly via
// ScheduleContinuation, backed by its defer watcher class.
type Scheduler interface {
	ScheduleContinuation(fn func())
}
