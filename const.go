package main

import "time"

const (
	// maxStratumFrameSize caps the bytes a connection may send without a
	// newline. Anything larger is treated as a flood and the socket is
	// torn down before the frame is parsed.
	maxStratumFrameSize = 10240

	stratumWriteTimeout = 60 * time.Second

	// defaultVersionMask is the pool-side BIP310 version-rolling mask
	// advertised to miners unless overridden in config.
	defaultVersionMask = uint32(0x3fffe000)

	// defaultClientMinBitCount applies when a mining.configure request
	// does not name its own version-rolling.min-bit-count.
	defaultClientMinBitCount = 16

	extranonce1Size         = 4
	extranonce2Size         = 4
	extranoncePlaceholder   = extranonce1Size + extranonce2Size
	subscriptionIDPrefix    = "deadbeefcafebabe"
	defaultShareScaleDigits = 18

	// ntimeForwardSlack bounds how far a submitted ntime may run ahead of
	// the pool clock.
	ntimeForwardSlack = 7200 * time.Second

	defaultConnectionTimeout     = 600 * time.Second
	defaultBlockRefreshInterval  = time.Second
	defaultJobRebroadcastTimeout = 55 * time.Second
	defaultBanPurgeInterval      = 10 * time.Minute

	rpcRequestTimeout = 30 * time.Second
	rpcMaxRetries     = 3

	maxWorkerNameLen = 256
	maxJobIDLen      = 128
)
