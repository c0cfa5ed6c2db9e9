// Package server hosts the CourseCast HTTP API behind a single multiplexer.
//
// The server builds a consistent middleware chain of request IDs, logging,
// audit, metrics, security headers, CORS, rate limiting, and gateway identity
// so handlers all share common protections and instrumentation.
package server
