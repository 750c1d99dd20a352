// Package api hosts the operator HTTP listener. Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/activities for stored activities, optionally filtered by
//     ?postcode=.
//   - GET /v1/sites for the site ledger.
package api
