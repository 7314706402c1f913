// Package replay rejects replayed and stale agent messages.
//
// Each agent session owns a Guard. A message is accepted only when its
// timestamp lies inside the freshness window and its nonce has never been
// accepted before:
//
//	age := now - timestamp
//	reject if age > duration + ping   // too old, even allowing for latency
//	reject if age < -duration         // from the future beyond clock skew
//	reject if nonce was ever accepted // permanent
//
// The ping allowance is fed from the measured heartbeat round trip.
//
// Used nonces live in a Ledger. MemoryLedger keeps them in process;
// RedisLedger keeps them in a Redis set so several master replicas and
// restarts share one history. Ledger errors reject the message.
//
// Guard also keeps a windowed view of recently accepted nonces that Tick
// prunes. It exists for inspection (KnowsNonce) and has no effect on
// acceptance.
package replay
