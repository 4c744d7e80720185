package rpc

// Unlimited, used as a MaxRecvMsgSize/MaxSendMsgSize value, means no
// per-message size limit.
const Unlimited = -1

// DefaultMaxMsgSize is the default per-message size limit, in bytes, for
// both directions when a caller leaves it unset.
const DefaultMaxMsgSize = 32 << 20 // 32 MiB
