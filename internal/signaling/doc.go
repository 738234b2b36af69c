// Package signaling relays WebRTC call setup between consultation
// participants.
//
// Clients join a consultation room over a WebSocket and then address offers,
// answers, ICE candidates and hang-ups to each other by participant id. The
// relay never inspects SDP or candidate contents beyond coarse shape checks,
// never buffers events for offline participants, and is never on the media
// path.
package signaling
