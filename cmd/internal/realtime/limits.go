package realtime

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame read. Uploads raise it by the base64 size of the attachment limit.
	maxFrameBytes = 64 << 10 // 64 KiB
)

const (
	// Heartbeat defaults (can be overridden by env in ws_gateway.go).
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (events per window).
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
)

// Close reasons sent to peers.
const (
	reasonEvicted     = "session_evicted"
	reasonOverflow    = "send queue overflow"
	reasonClosed      = "conversation closed"
	reasonBye         = "bye"
	reasonRateLimited = "rate limited"
	reasonHeartbeat   = "heartbeat failed"
	reasonWriteFailed = "write failed"
	reasonShutdown    = "server shutting down"
)
