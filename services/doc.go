// Package services exposes the coordinator's round management API over HTTP.
//
// AdminAPI implements httpserver.RouteRegistrar and mounts the following
// routes under /api/v1:
//
//	POST   /rounds                    open a round (OpenRoundRequest)
//	GET    /rounds                    list running and finished rounds
//	GET    /rounds/{round_id}         one round summary
//	GET    /rounds/{round_id}/result  published aggregate
//	DELETE /rounds/{round_id}         abort a running round
//
// Errors are JSON ErrorResponse bodies. Protocol errors carry their wire
// code: unknown rounds map to 404, rounds that are still running or were
// aborted map to 409 on the result route, invalid configurations to 400.
package services
