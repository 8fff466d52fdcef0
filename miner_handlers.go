package main

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"
)

func (mc *MinerConn) handleSubscribe(req *StratumRequest) {
	mc.stateMu.Lock()
	if mc.subscriptionID == "" {
		mc.subscriptionID = mc.pool.subscriptions.Next()
	}
	mc.subscribed = true
	subID := mc.subscriptionID
	mc.stateMu.Unlock()

	mc.writeResponse(StratumResponse{
		ID: req.ID,
		Result: []any{
			[][]any{
				{"mining.set_difficulty", subID},
				{"mining.notify", subID},
			},
			mc.extranonce1,
			extranonce2Size,
		},
		Error: nil,
	})
}

func (mc *MinerConn) handleAuthorize(req *StratumRequest) {
	if len(req.Params) < 1 {
		mc.writeResponse(StratumResponse{ID: req.ID, Result: nil, Error: newStratumError(20, "invalid params")})
		return
	}
	worker, ok := req.Params[0].(string)
	if !ok || worker == "" || len(worker) > maxWorkerNameLen {
		mc.writeResponse(StratumResponse{ID: req.ID, Result: nil, Error: newStratumError(20, "invalid worker name")})
		return
	}
	password := ""
	if len(req.Params) > 1 {
		password, _ = req.Params[1].(string)
	}

	res := mc.pool.authorize(mc.ctx, mc.port, worker, password, mc.id)

	mc.stateMu.Lock()
	mc.authorized = res.Authorized
	if res.Authorized {
		mc.worker = worker
	}
	mc.stateMu.Unlock()

	mc.writeResponse(StratumResponse{ID: req.ID, Result: res.Authorized, Error: nil})
	if res.Authorized {
		logger.Info("worker authorized", "remote", mc.id, "worker", worker, "port", mc.port)
	}

	if res.Difficulty > 0 {
		mc.stateMu.Lock()
		mc.previousDifficulty = mc.difficulty
		mc.difficulty = res.Difficulty
		mc.stateMu.Unlock()
		mc.sendSetDifficulty(res.Difficulty)
	}
	if res.Disconnect {
		mc.Close("authorization refused connection")
		return
	}
	if res.Authorized {
		mc.sendInitialJob()
	}
}

// sendInitialJob pushes the session's starting difficulty and the current
// job with clean_jobs=true so the miner starts immediately.
func (mc *MinerConn) sendInitialJob() {
	mc.stateMu.Lock()
	diff := mc.difficulty
	subscribed := mc.subscribed
	mc.stateMu.Unlock()
	if !subscribed {
		return
	}
	if diff <= 0 {
		diff = 1
	}
	mc.sendSetDifficulty(diff)
	if job := mc.pool.jobManager.CurrentJob(); job != nil {
		params := job.JobParams()
		params[8] = true
		mc.writeNotification("mining.notify", params)
	}
}

// handleConfigure negotiates BIP310 extensions.
func (mc *MinerConn) handleConfigure(req *StratumRequest) {
	if len(req.Params) == 0 {
		mc.writeResponse(StratumResponse{ID: req.ID, Result: nil, Error: newStratumError(20, "invalid params")})
		return
	}
	extsRaw, ok := req.Params[0].([]any)
	if !ok {
		mc.writeResponse(StratumResponse{ID: req.ID, Result: nil, Error: newStratumError(20, "invalid params")})
		return
	}
	var opts map[string]any
	if len(req.Params) > 1 {
		opts, _ = req.Params[1].(map[string]any)
	}

	result := make(map[string]any)
	sendExtranonce := false
	for _, extRaw := range extsRaw {
		ext, _ := extRaw.(string)
		switch ext {
		case "version-rolling":
			mc.configureVersionRolling(result, opts)
		case "minimum-difficulty":
			if v, ok := configureFloat(opts, "minimum-difficulty.value"); ok && v > 0 {
				mc.stateMu.Lock()
				mc.minimumDifficulty = v
				mc.stateMu.Unlock()
			}
			result[ext] = true
		case "subscribe-extranonce":
			result[ext] = true
			mc.stateMu.Lock()
			if !mc.extranonceSubscribed {
				mc.extranonceSubscribed = true
				sendExtranonce = true
			}
			mc.stateMu.Unlock()
		default:
			result[ext] = false
		}
	}

	mc.writeResponse(StratumResponse{ID: req.ID, Result: result, Error: nil})
	if sendExtranonce {
		mc.writeNotification("mining.set_extranonce", []any{mc.extranonce1, extranonce2Size})
	}
}

// configureVersionRolling intersects the pool and client masks, accepting
// the negotiation only when enough rollable bits survive.
func (mc *MinerConn) configureVersionRolling(result map[string]any, opts map[string]any) {
	poolMask := mc.pool.versionMask()
	clientMask := poolMask
	if raw, ok := configureString(opts, "version-rolling.mask"); ok {
		if parsed, err := strconv.ParseUint(strings.TrimPrefix(raw, "0x"), 16, 32); err == nil {
			clientMask = uint32(parsed)
		}
	}
	clientMinBits := defaultClientMinBitCount
	if v, ok := configureFloat(opts, "version-rolling.min-bit-count"); ok && v > 0 {
		clientMinBits = int(v)
	}

	intersection := poolMask & clientMask
	bitsSet := bits.OnesCount32(intersection)
	if bitsSet < clientMinBits {
		result["version-rolling"] = false
		return
	}

	mc.stateMu.Lock()
	mc.asicboostEnabled = true
	mc.negotiatedMask = intersection
	mc.stateMu.Unlock()

	result["version-rolling"] = true
	result["version-rolling.mask"] = fmt.Sprintf("%08x", intersection)
	result["version-rolling.min-bit-count"] = bitsSet
}

func (mc *MinerConn) handleExtranonceSubscribe(req *StratumRequest) {
	mc.stateMu.Lock()
	mc.extranonceSubscribed = true
	mc.stateMu.Unlock()
	mc.writeResponse(StratumResponse{ID: req.ID, Result: true, Error: nil})
}

func configureString(opts map[string]any, key string) (string, bool) {
	if opts == nil {
		return "", false
	}
	v, ok := opts[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func configureFloat(opts map[string]any, key string) (float64, bool) {
	if opts == nil {
		return 0, false
	}
	switch v := opts[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	}
	return 0, false
}
