// Package gateway serves the terminal channel endpoints. Each WebSocket
// carries one session: the first connect frame selects an SSH or Telnet
// backend, after which keystrokes and resizes flow to the remote shell and
// its output flows back as binary frames.
package gateway
