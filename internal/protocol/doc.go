// Package protocol defines the JSON messages exchanged with client connections:
// inbound recording commands and outbound broadcast events.
package protocol
