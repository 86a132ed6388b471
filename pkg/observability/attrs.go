package observability

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for call orchestration spans and metrics.
var (
	// Call attributes
	AttrCallID    = attribute.Key("callmonitor.call.id")
	AttrCallState = attribute.Key("callmonitor.call.state")
	AttrOrgID     = attribute.Key("callmonitor.org.id")

	// Event attributes
	AttrEventType   = attribute.Key("callmonitor.event.type")
	AttrEventSource = attribute.Key("callmonitor.event.source")

	// Provider attributes
	AttrProviderName = attribute.Key("callmonitor.provider.name")
	AttrProviderSID  = attribute.Key("callmonitor.provider.sid")

	// HTTP attributes
	AttrRoute  = attribute.Key("http.route")
	AttrMethod = attribute.Key("http.request.method")
	AttrStatus = attribute.Key("http.response.status_code")
)
