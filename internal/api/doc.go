// Package api hosts the read-only HTTP surface started by `serve`:
//   - GET /healthz pings the store.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/runs lists recent scrape runs.
//   - GET /v1/backfill/{source} returns the backfill cursor.
//   - GET /v1/articles/stats returns stored article counts and dates.
package api
