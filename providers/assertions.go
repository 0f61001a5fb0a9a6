package providers

import (
	"github.com/orchestra-mcp/sse/src/bridge"
	"github.com/orchestra-mcp/sse/src/hub"
	"github.com/orchestra-mcp/sse/src/metrics"
	"github.com/orchestra-mcp/sse/src/replay"
	"github.com/orchestra-mcp/sse/src/replay/redisstream"
	"github.com/orchestra-mcp/sse/src/transport/fasthttpstream"
	"github.com/orchestra-mcp/sse/src/transport/httpstream"
	"github.com/orchestra-mcp/sse/src/types"
)

// Compile-time interface assertions.
var (
	_ types.Transport = (*fasthttpstream.Transport)(nil)
	_ types.Transport = (*httpstream.Transport)(nil)
	_ bridge.Adapter  = (*bridge.RedisAdapter)(nil)
	_ bridge.Adapter  = (*bridge.BusAdapter)(nil)
	_ bridge.Adapter  = (*bridge.Memory)(nil)
	_ hub.Observer    = (*metrics.Metrics)(nil)
	_ replay.Recorder = (*replay.Buffer)(nil)
	_ replay.Recorder = (*redisstream.Store)(nil)
)
