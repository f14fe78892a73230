// Package wire defines the frames exchanged between a terminal client and the
// gateway over one WebSocket per session.
//
// Control frames are JSON text messages sharing one envelope:
//
//	{"type": "connect", "protocol": "ssh", "data": {"host": "h", "port": 22, "username": "u", "password": "p"}}
//	{"type": "data", "data": "ls -la\r"}
//	{"type": "resize", "data": {"cols": 120, "rows": 40}}
//	{"type": "connected", "data": "Successfully connected", "protocol": "ssh"}
//	{"type": "error", "data": "Connection failed: authentication failed"}
//
// Remote output travels as binary messages and is never wrapped in JSON.
// Client input that is not valid UTF-8 is sent as a binary message too, since
// a JSON string cannot carry it byte for byte.
package wire
