// Package signaling relays WebRTC session negotiation between named clients.
//
// Clients connect over WebSocket, claim a unique name with a login message
// and then address offer, answer, candidate and leave messages to other
// names. The server forwards negotiation payloads untouched and never takes
// part in the peer connection itself.
//
// Router holds the protocol state machine and is transport-agnostic;
// WebSocketServer adapts it to gorilla/websocket connections.
package signaling
