// Package ingest runs the write and read flows: trust resolution, decoding,
// schema evolution, the transactional insert, queries and post-commit hooks.
package ingest

import (
	"time"

	"github.com/sowdb/sowdb/internal/trust"
)

// Origin is what a transport knows about a request before the engine sees
// it.
type Origin struct {
	RequestID string
	// Endpoint labels the entry point in audit records, e.g. "http:ingest".
	Endpoint  string
	APIKey    string
	Store     string
	SourceIP  string
	UserAgent string
}

// RequestContext is built once per request and never changes afterwards.
type RequestContext struct {
	requestID string
	endpoint  string
	sourceIP  string
	userAgent string
	received  time.Time
	grant     trust.Grant
}

func (rc RequestContext) RequestID() string        { return rc.requestID }
func (rc RequestContext) Endpoint() string         { return rc.endpoint }
func (rc RequestContext) SourceIP() string         { return rc.sourceIP }
func (rc RequestContext) UserAgent() string        { return rc.userAgent }
func (rc RequestContext) Received() time.Time      { return rc.received }
func (rc RequestContext) Grant() trust.Grant       { return rc.grant }
func (rc RequestContext) Identity() trust.Identity { return rc.grant.Identity }
