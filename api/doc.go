/*
Package api defines the HTTP data-transfer types for the generation
service.

Request and response bodies live here; the handlers under api/handlers
translate them to and from the engine's canonical types. Every response
is wrapped in the handlers.Response envelope, so clients can switch on
success/error uniformly and correlate by request ID.
*/
package api
