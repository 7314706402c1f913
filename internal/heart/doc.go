// Package heart decides when agents are pinged, told to terminate, and
// finally expired.
//
// The heart owns no connections. Every effect goes through the Operations
// port, and every decision is made from an immutable Config snapshot so a
// live configuration change never applies halfway through a tick.
package heart
