// Package agent tracks the master's view of every launched agent.
//
// # Session
//
// A Session is the control protocol state machine for one agent:
//
//	WaitingForHello --hello--> Ready --submit--> Busy
//	                             ^                 |
//	                             +---update(stop)--+
//	Ready/Busy --shutdown--> Shutdown
//	any --Disconnect--> Shutdown
//
// Each transition is speculative until the outbound message (if any) has
// been sent and the new Record has been saved through the Repository. A
// failure at either step restores the previous state and returns the
// error, so a failed submit leaves the agent Ready with no job. Disconnect
// is the exception: it never sends and it never rolls back.
//
// # Manager
//
// The Manager holds the session table, keyed by the tracking id assigned
// at launch. The same id yields the agent's access key and its signing
// secret (derived from the master secret with HKDF).
//
// Deliver is the ingress pipeline for one signed envelope:
//
//  1. Parse the Authorization header and map its access key to a session
//  2. Decode the JSON body
//  3. auth.ValidateMessage: timestamps agree, app id matches, signature verifies
//  4. replay.Guard.Accept: fresh timestamp, nonce never seen before
//  5. Session.ProcessMessage
//
// Steps 2 to 5 run under the agent's mutex, which the heart's operations
// take as well, so message processing and liveness actions never
// interleave for one agent. Different agents proceed in parallel.
//
// Tick reaps sessions that reached Shutdown, runs the heart, and advances
// every replay guard with the heart's measured latency as ping allowance.
package agent
