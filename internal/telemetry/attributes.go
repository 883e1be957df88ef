package telemetry

import "go.opentelemetry.io/otel/attribute"

// Span and resource attribute keys used across the connector.
const (
	TenantID     = attribute.Key("xero.tenant_id")
	XeroAPIHost  = attribute.Key("xero.api.host")
	Candidate    = attribute.Key("xpm.candidate")
	CandidateURL = attribute.Key("xpm.candidate.url")
	Variant      = attribute.Key("xero.consent.variant")
	TenantCount  = attribute.Key("xero.tenant.count")
)
