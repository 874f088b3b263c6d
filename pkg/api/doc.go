/*
Package api exposes the daemon's operations over HTTP.

The adapter is deliberately thin: every handler translates JSON to a core
call and the core's coded errors back to an HTTP status plus a
{code, message} body. /v1/events is the SSE stream: a full dashboard
state on connect, then one state event per tracker broadcast. /metrics
serves Prometheus collectors.
*/
package api
