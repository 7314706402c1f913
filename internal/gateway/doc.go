// Package gateway orchestrates the nimrod-master server components.
//
// # Overview
//
// The gateway owns the store, the replay ledgers, the agent manager and the
// websocket hub, and serves them over one HTTP server and one gRPC server.
// A tick loop drives reaping, heartbeats and replay window upkeep.
//
// # HTTP API
//
//   - GET /health - Liveness check
//   - GET /health/ready - Store and replay ledger reachability
//   - GET /metrics - Prometheus metrics (when enabled)
//   - GET /agents/connect?agent=<id> - Agent websocket
//   - GET /api/agents - Live sessions; ?all=true reads the store
//   - POST /api/agents - Launch an agent, returns its secret
//   - GET /api/agents/{id} - One agent, live or persisted
//   - GET /api/agents/{id}/transitions - State history
//   - POST /api/agents/{id}/jobs - Submit a job
//   - POST /api/agents/{id}/cancel, /terminate, /ping
//   - GET /api/config, PUT /api/config/{key} - Heart settings
//
// Every /api route requires a bearer token when auth.jwt_secret is set.
// POSTs that carry an Idempotency-Key header are executed once and the
// response is replayed to retries.
//
// # gRPC
//
// The gRPC server carries the standard health service, reporting
// ServiceName as SERVING once Run is listening, and server reflection,
// which is guarded by the same bearer tokens.
//
// # Lifecycle
//
//	gw, err := gateway.New(ctx, cfg, logger)
//	go gw.Run(ctx)
//	<-gw.Ready()
//
// Cancelling ctx shuts the gateway down. Shutdown may also be called
// directly and is safe to repeat.
package gateway
