// Package broadcast tracks open client connections grouped by user and fans
// events out to every connection of a user. Connections that fail a delivery
// or report themselves closed are pruned from the registry.
package broadcast
