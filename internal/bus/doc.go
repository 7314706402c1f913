// Package bus carries signed control messages between the master and its
// agents over websockets.
//
// Agents connect to GET /agents/connect?agent=<tracking id>. The Hub keeps
// one connection per agent; a reconnect replaces the previous connection
// without the agent being reported lost. Every frame is a JSON encoded
// auth.Envelope whose body is a protocol message.
//
// Inbound frames are handed to a Handler (the agent Manager) which does
// all authentication. Outbound messages go through the Outbox, which signs
// them with the target agent's derived secret so agents can verify the
// master the same way the master verifies them.
package bus
