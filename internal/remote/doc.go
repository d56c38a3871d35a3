// Package remote relays a store.Backend over a websocket.
//
// Server exposes any Backend at GET /v1/stream; Client dials it and is
// itself a store.Backend, so engines in other processes share one store.
//
// Every frame is a JSON text message (see Frame). Requests carry an id
// that the response echoes; watch events carry the subscription id chosen
// by the client. Values travel as canonical snapshot JSON.
package remote
