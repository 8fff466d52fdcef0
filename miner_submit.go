package main

import "time"

// handleSubmit validates the wire shape of a mining.submit, requires the
// session to be authorized and subscribed, and forwards the share to the
// job manager.
func (mc *MinerConn) handleSubmit(req *StratumRequest) {
	now := time.Now()

	if len(req.Params) < 5 || len(req.Params) > 6 {
		mc.writeResponse(StratumResponse{ID: req.ID, Result: nil, Error: newStratumError(20, "invalid params")})
		return
	}
	fields := make([]string, 0, 6)
	for _, p := range req.Params {
		s, ok := p.(string)
		if !ok {
			mc.writeResponse(StratumResponse{ID: req.ID, Result: nil, Error: newStratumError(20, "invalid params")})
			return
		}
		fields = append(fields, s)
	}
	worker, jobID, en2, ntime, nonce := fields[0], fields[1], fields[2], fields[3], fields[4]
	versionHex := ""
	if len(fields) == 6 {
		versionHex = fields[5]
	}

	if len(worker) == 0 || len(worker) > maxWorkerNameLen {
		mc.writeResponse(StratumResponse{ID: req.ID, Result: nil, Error: newStratumError(20, "invalid worker name")})
		return
	}
	if len(jobID) == 0 || len(jobID) > maxJobIDLen || !isHexDigits(jobID) {
		mc.writeResponse(StratumResponse{ID: req.ID, Result: nil, Error: newStratumError(20, "invalid job id")})
		return
	}
	if !isHexString(en2) {
		mc.writeResponse(StratumResponse{ID: req.ID, Result: nil, Error: newStratumError(20, "invalid extranonce2")})
		return
	}
	if len(ntime) != 8 || !isHexString(ntime) {
		mc.writeResponse(StratumResponse{ID: req.ID, Result: nil, Error: newStratumError(20, "incorrect size of ntime")})
		return
	}
	if len(nonce) != 8 || !isHexString(nonce) {
		mc.writeResponse(StratumResponse{ID: req.ID, Result: nil, Error: newStratumError(20, "incorrect size of nonce")})
		return
	}
	if versionHex != "" && (len(versionHex) != 8 || !isHexString(versionHex)) {
		mc.writeResponse(StratumResponse{ID: req.ID, Result: nil, Error: newStratumError(20, "invalid version")})
		return
	}

	mc.stateMu.Lock()
	authorized := mc.authorized
	subscribed := mc.subscribed
	diff := mc.difficulty
	prevDiff := mc.previousDifficulty
	asicboost := mc.asicboostEnabled
	mask := mc.negotiatedMask
	mc.lastActivity = now
	mc.stateMu.Unlock()

	if !authorized {
		mc.writeResponse(StratumResponse{ID: req.ID, Result: nil, Error: newStratumError(24, "unauthorized worker")})
		mc.registerShare(false)
		return
	}
	if !subscribed {
		mc.writeResponse(StratumResponse{ID: req.ID, Result: nil, Error: newStratumError(25, "not subscribed")})
		mc.registerShare(false)
		return
	}

	if debugLogging {
		logger.Debug("submit received",
			"remote", mc.id,
			"worker", worker,
			"job", jobID,
			"extranonce2", en2,
			"ntime", ntime,
			"nonce", nonce,
			"version", versionHex,
		)
	}

	result := mc.pool.jobManager.ProcessShare(ShareSubmission{
		JobID:              jobID,
		Extranonce1:        mc.extranonce1,
		Extranonce2:        en2,
		NTime:              ntime,
		Nonce:              nonce,
		VersionHex:         versionHex,
		NegotiatedMask:     mask,
		AsicboostEnabled:   asicboost,
		Difficulty:         diff,
		PreviousDifficulty: prevDiff,
		RemoteAddr:         mc.id,
		Port:               mc.port,
		Worker:             worker,
	})

	if result.Err != nil {
		mc.pool.metrics.RecordShareRejected()
		mc.registerShare(false)
		mc.writeResponse(StratumResponse{ID: req.ID, Result: nil, Error: newStratumError(result.Err.Code, result.Err.Message)})
		return
	}

	mc.pool.metrics.RecordShareAccepted()
	mc.registerShare(true)
	mc.writeResponse(StratumResponse{ID: req.ID, Result: true, Error: nil})

	if result.BlockHex != "" {
		mc.pool.submitBlock(result)
	}

	mc.retarget(now)
}

// retarget runs the vardiff controller for this share and queues any new
// difficulty for the next job boundary.
func (mc *MinerConn) retarget(now time.Time) {
	if mc.vardiff == nil {
		return
	}
	mc.stateMu.Lock()
	current := mc.difficulty
	minDiff := mc.minimumDifficulty
	mc.stateMu.Unlock()

	newDiff, changed := mc.vardiff.Submit(now, current)
	if !changed {
		return
	}
	if minDiff > 0 && newDiff < minDiff {
		newDiff = minDiff
	}
	if newDiff == current {
		return
	}
	mc.stateMu.Lock()
	mc.pendingDifficulty = newDiff
	mc.stateMu.Unlock()
	logger.Debug("vardiff retarget queued", "remote", mc.id, "from", current, "to", newDiff)
}
