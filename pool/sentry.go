package pool

import (
	"github.com/getsentry/sentry-go"
)

// SentryReporter adapts a sentry-go hub into an ErrorReporter, letting a
// caller wire crash reporting without the pool itself depending on a
// live DSN. A nil *SentryReporter is not valid; callers that don't want
// reporting should simply pass a nil ErrorReporter to New.
type SentryReporter struct {
	hub *sentry.Hub
}

// NewSentryReporter wraps hub. If hub is nil, sentry.CurrentHub() is
// used.
func NewSentryReporter(hub *sentry.Hub) *SentryReporter {
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	return &SentryReporter{hub: hub}
}

// ReportError implements ErrorReporter by capturing err with tags
// attached as Sentry tags on a scoped clone of the hub.
func (r *SentryReporter) ReportError(err error, tags map[string]string) {
	r.hub.WithScope(func(scope *sentry.Scope) {
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		r.hub.CaptureException(err)
	})
}
