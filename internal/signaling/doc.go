// Package signaling implements the room broker that pairs exactly two
// clients and relays their session negotiation messages between them.
//
// Only an explicit create-room marks a room identifier as valid; joins
// against unknown identifiers are rejected. Relayed payloads (offers,
// answers, ICE candidates) are forwarded verbatim and never interpreted.
package signaling
