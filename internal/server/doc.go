// Package server implements the HTTP endpoint of the deployhook webhook
// receiver.
//
// This package provides:
//   - A single POST route for GitHub push notifications
//   - HMAC-SHA256 signature verification before any payload parsing
//   - An optional JSON health endpoint
//   - Optional per-IP rate limiting
//   - Structured logging of all HTTP requests
//
// The server integrates with other packages:
//   - internal/event: classifies ping, push and other events
//   - internal/rules: first-match lookup of deployment rules
//   - internal/deployment: asynchronous sync and deploy jobs
//
// Responses are plain text: "OK" for every accepted notification whether
// or not a deployment was started, 401 for a bad signature, 404 for any
// other path or method, 413 for oversized bodies and 500 for malformed
// push payloads.
package server
