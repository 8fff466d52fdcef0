package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"time"
)

func NewMinerConn(ctx context.Context, c net.Conn, pool *Pool, port int, portCfg PortConfig) *MinerConn {
	if ctx == nil {
		ctx = context.Background()
	}
	mc := &MinerConn{
		id:           c.RemoteAddr().String(),
		port:         port,
		ctx:          ctx,
		conn:         c,
		reader:       bufio.NewReaderSize(c, maxStratumFrameSize),
		pool:         pool,
		portCfg:      portCfg,
		jobCh:        pool.jobManager.Subscribe(),
		extranonce1:  pool.jobManager.ExtranonceCtr.Next(),
		difficulty:   portCfg.Diff,
		lastActivity: time.Now(),
	}
	if portCfg.VarDiff != nil {
		mc.vardiff = NewVarDiff(*portCfg.VarDiff)
	}
	return mc
}

func (mc *MinerConn) cleanup() {
	mc.cleanupOnce.Do(func() {
		mc.pool.jobManager.Unsubscribe(mc.jobCh)
		mc.pool.metrics.RecordConnectionClosed()
		_ = mc.conn.Close()
	})
}

func (mc *MinerConn) Close(reason string) {
	logger.Info("closing miner", "remote", mc.id, "reason", reason)
	mc.cleanup()
}

// handle reads newline-delimited JSON requests until the socket dies. A
// frame growing past maxStratumFrameSize without a newline is flood
// detected and tears the socket down before any parse.
func (mc *MinerConn) handle() {
	defer mc.cleanup()

	if mc.pool.cfg.TCPProxyProtocol {
		if err := mc.consumeProxyHeader(); err != nil {
			logger.Warn("invalid PROXY header", "remote", mc.id, "error", err)
			return
		}
	}

	go mc.listenJobs()

	for {
		if mc.ctx.Err() != nil {
			return
		}
		deadline := time.Now().Add(2 * mc.pool.cfg.connectionTimeout())
		if err := mc.conn.SetReadDeadline(deadline); err != nil {
			return
		}

		line, err := mc.reader.ReadSlice('\n')
		if err != nil {
			if errors.Is(err, bufio.ErrBufferFull) {
				logger.Warn("closing miner for flooding", "remote", mc.id, "limit_bytes", maxStratumFrameSize)
				return
			}
			if nErr, ok := err.(net.Error); ok && nErr.Timeout() {
				mc.Close("socket timeout")
				return
			}
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				logger.Debug("read error", "remote", mc.id, "error", err)
			}
			return
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		var req StratumRequest
		if err := wireJSONUnmarshal(line, &req); err != nil {
			logger.Warn("malformed json from miner; closing", "remote", mc.id, "error", err)
			return
		}
		mc.dispatch(&req)
	}
}

func (mc *MinerConn) dispatch(req *StratumRequest) {
	switch req.Method {
	case "mining.subscribe":
		mc.handleSubscribe(req)
	case "mining.authorize":
		mc.handleAuthorize(req)
	case "mining.submit":
		mc.handleSubmit(req)
	case "mining.configure":
		mc.handleConfigure(req)
	case "mining.extranonce.subscribe":
		mc.handleExtranonceSubscribe(req)
	case "mining.get_transactions":
		mc.writeGetTransactionsResponse(req.ID)
	case "mining.set_version_mask":
		// Client acknowledgement of a pushed mask; nothing to send back.
	default:
		logger.Debug("unknown stratum method", "remote", mc.id, "method", req.Method)
		mc.writeResponse(StratumResponse{ID: req.ID, Result: nil, Error: newStratumError(20, "Unknown method")})
	}
}

// listenJobs forwards job broadcasts to the miner, pairing each one with
// any pending difficulty change. Broadcasts double as the idle check: a
// session that has not submitted within connectionTimeout is torn down.
func (mc *MinerConn) listenJobs() {
	for bc := range mc.jobCh {
		mc.stateMu.Lock()
		idle := time.Since(mc.lastActivity)
		mc.stateMu.Unlock()
		if idle > mc.pool.cfg.connectionTimeout() {
			mc.Close("socket timeout")
			return
		}
		mc.sendJob(bc.Job, bc.CleanJobs)
	}
}

// sendJob pushes mining.set_difficulty (when pending) and mining.notify,
// in that order.
func (mc *MinerConn) sendJob(job *BlockTemplate, cleanJobs bool) {
	mc.stateMu.Lock()
	ready := mc.subscribed && mc.authorized
	pending := mc.pendingDifficulty
	if pending > 0 && pending != mc.difficulty {
		mc.previousDifficulty = mc.difficulty
		mc.difficulty = pending
	}
	mc.pendingDifficulty = 0
	diff := mc.difficulty
	mc.stateMu.Unlock()

	if !ready {
		return
	}
	if pending > 0 {
		mc.sendSetDifficulty(diff)
	}
	mc.maybeSendVersionMask(job.VersionMask)

	params := job.JobParams()
	params[8] = cleanJobs
	mc.writeNotification("mining.notify", params)
}

// maybeSendVersionMask renegotiates the effective mask against a job's
// pool mask and pushes mining.set_version_mask when it changed.
func (mc *MinerConn) maybeSendVersionMask(jobMask uint32) {
	mc.stateMu.Lock()
	changed := false
	var effective uint32
	if mc.asicboostEnabled && mc.negotiatedMask != 0 {
		effective = mc.negotiatedMask & jobMask
		if effective != 0 && effective != mc.negotiatedMask {
			mc.negotiatedMask = effective
			changed = true
		}
	}
	mc.stateMu.Unlock()
	if changed {
		mc.writeNotification("mining.set_version_mask", []any{uint32ToBEHex(effective)})
	}
}

// consumeProxyHeader parses a PROXY protocol v1 line and adopts the
// advertised source address for logging and banning.
func (mc *MinerConn) consumeProxyHeader() error {
	if err := mc.conn.SetReadDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return err
	}
	line, err := mc.reader.ReadString('\n')
	if err != nil {
		return err
	}
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "PROXY ") {
		return errors.New("missing PROXY prefix")
	}
	fields := strings.Fields(line)
	if len(fields) >= 6 {
		mc.id = net.JoinHostPort(fields[2], fields[4])
	}
	return nil
}

func (mc *MinerConn) remoteHost() string {
	host, _, err := net.SplitHostPort(mc.id)
	if err != nil {
		return mc.id
	}
	return host
}

// registerShare feeds the ban accounting. Once checkThreshold shares have
// been seen, a session whose invalid ratio crosses invalidPercent gets its
// address banned and the socket destroyed.
func (mc *MinerConn) registerShare(valid bool) {
	banCfg := mc.pool.cfg.Banning
	if !banCfg.Enabled {
		return
	}
	mc.banMu.Lock()
	if valid {
		mc.validShares++
	} else {
		mc.invalidShares++
	}
	total := mc.validShares + mc.invalidShares
	if total < banCfg.CheckThreshold {
		mc.banMu.Unlock()
		return
	}
	percentBad := float64(mc.invalidShares) / float64(total) * 100
	mc.validShares = 0
	mc.invalidShares = 0
	mc.banMu.Unlock()

	if percentBad < banCfg.InvalidPercent {
		return
	}
	mc.pool.banManager.Add(mc.remoteHost())
	mc.Close("banned for invalid shares")
}
