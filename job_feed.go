package main

import (
	"context"
	"syscall"
	"time"

	"github.com/pebbe/zmq4"
)

const (
	zmqReceiveTimeout     = 5 * time.Second
	zmqRecreateBackoffMin = time.Second
	zmqRecreateBackoffMax = 30 * time.Second
)

// zmqBlockLoop subscribes to the daemon's hashblock notifications and
// fires onBlock for each one, recreating the socket with capped backoff on
// errors. This is a supplementary low-latency signal next to the P2P inv
// listener and template polling.
func zmqBlockLoop(ctx context.Context, addr string, onBlock func()) {
	backoff := zmqRecreateBackoffMin
	for {
		if ctx.Err() != nil {
			return
		}
		sub, err := zmq4.NewSocket(zmq4.SUB)
		if err != nil {
			logger.Warn("zmq socket create failed", "error", err)
			if sleepContext(ctx, backoff) != nil {
				return
			}
			backoff = nextZMQBackoff(backoff)
			continue
		}
		_ = sub.SetLinger(0)
		_ = sub.SetRcvtimeo(zmqReceiveTimeout)

		if err := sub.SetSubscribe("hashblock"); err != nil {
			logger.Warn("zmq subscribe failed", "error", err)
			sub.Close()
			if sleepContext(ctx, backoff) != nil {
				return
			}
			backoff = nextZMQBackoff(backoff)
			continue
		}
		if err := sub.Connect(addr); err != nil {
			logger.Warn("zmq connect failed", "addr", addr, "error", err)
			sub.Close()
			if sleepContext(ctx, backoff) != nil {
				return
			}
			backoff = nextZMQBackoff(backoff)
			continue
		}
		logger.Info("watching zmq block notifications", "addr", addr)
		backoff = zmqRecreateBackoffMin

		for {
			if ctx.Err() != nil {
				sub.Close()
				return
			}
			frames, err := sub.RecvMessageBytes(0)
			if err != nil {
				eno := zmq4.AsErrno(err)
				if eno == zmq4.Errno(syscall.EAGAIN) || eno == zmq4.ETIMEDOUT {
					continue
				}
				logger.Warn("zmq receive failed", "error", err)
				sub.Close()
				break
			}
			if len(frames) < 2 {
				continue
			}
			logger.Debug("zmq block notification")
			onBlock()
		}
		if sleepContext(ctx, backoff) != nil {
			return
		}
		backoff = nextZMQBackoff(backoff)
	}
}

func nextZMQBackoff(cur time.Duration) time.Duration {
	cur *= 2
	if cur > zmqRecreateBackoffMax {
		cur = zmqRecreateBackoffMax
	}
	return cur
}
