package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Pool wires the job manager, daemon interface, P2P listener, ban table,
// and Stratum listeners together and owns the startup order.
type Pool struct {
	cfg        Config
	daemons    *DaemonInterface
	jobManager *JobManager
	banManager *BanManager
	metrics    *PoolMetrics
	notifier   *discordNotifier
	submitters *submissionWorkerPool

	subscriptions subscriptionCounter
	authorizeFn   AuthorizeFunc

	builder      *CoinbaseBuilder
	submitViaGBT bool

	refreshCh     chan struct{}
	lastBroadcast time.Time
	broadcastMu   sync.Mutex

	listeners []net.Listener
	started   time.Time
}

func NewPool(cfg Config, authorizeFn AuthorizeFunc) *Pool {
	metrics := &PoolMetrics{}
	return &Pool{
		cfg:         cfg,
		daemons:     NewDaemonInterface(cfg.Daemons, metrics),
		banManager:  NewBanManager(cfg.Banning, cfg.banTime()),
		metrics:     metrics,
		submitters:  newSubmissionWorkerPool(),
		authorizeFn: authorizeFn,
		refreshCh:   make(chan struct{}, 1),
	}
}

func (p *Pool) authorize(ctx context.Context, port int, worker, password, remote string) AuthResult {
	if p.authorizeFn == nil {
		return AuthResult{Authorized: true}
	}
	return p.authorizeFn(ctx, port, worker, password, remote)
}

func (p *Pool) versionMask() uint32 {
	if job := p.jobManager.CurrentJob(); job != nil {
		return job.VersionMask
	}
	return p.cfg.versionMask()
}

var gbtParams = map[string]any{
	"capabilities": []string{"coinbasetxn", "workid", "coinbase/append"},
	"rules":        []string{"segwit"},
}

// Start runs the startup sequence in order; every step must succeed before
// the next begins.
func (p *Pool) Start(ctx context.Context) error {
	p.started = time.Now()

	// 1. Every port needs a fixed diff or a vardiff block; a port with
	// neither fails startup. Vardiff blocks are built once here; NewVarDiff
	// fills defaults for unset values and never fails.
	for portStr, portCfg := range p.cfg.Ports {
		if portCfg.Diff <= 0 && portCfg.VarDiff == nil {
			return fmt.Errorf("port %s needs a fixed diff or a vardiff block", portStr)
		}
		if portCfg.VarDiff != nil {
			NewVarDiff(*portCfg.VarDiff)
		}
	}

	// 2. Daemon reachability.
	if !p.daemons.AnyOnline(ctx) {
		return errors.New("no daemon instance reachable")
	}

	// 3. Batch probe of the daemon.
	if err := p.probeDaemon(ctx); err != nil {
		return err
	}

	// 4. Fee recipients.
	p.buildRecipients()

	// 5. Job manager.
	p.jobManager = NewJobManager(p.builder, p.cfg.versionMask(), p.cfg.InstanceID)
	p.jobManager.SetShareHandler(p.onShare)
	p.jobManager.SetEmitInvalidBlockHashes(p.cfg.EmitInvalidBlockHashes)
	p.jobManager.Start()
	p.submitters.Start()

	// 6. Wait for chain sync.
	if err := p.waitForSync(ctx); err != nil {
		return err
	}

	// 7. First template.
	tpl, err := p.fetchTemplate(ctx)
	if err != nil {
		return fmt.Errorf("initial getblocktemplate: %w", err)
	}
	if _, err := p.jobManager.ProcessTemplate(tpl); err != nil {
		return fmt.Errorf("initial template: %w", err)
	}
	p.markBroadcast()

	// 8. Template polling.
	go p.pollLoop(ctx)

	// 9. Block-change signals.
	if p.cfg.P2P.Enabled && p.cfg.peerMagic() != "" {
		p2p, err := NewP2PClient(p.cfg.P2P, p.cfg.peerMagic(), func(string) { p.triggerRefresh() })
		if err != nil {
			return err
		}
		go p2p.Start(ctx)
	}
	if p.cfg.ZMQBlockAddr != "" {
		go zmqBlockLoop(ctx, p.cfg.ZMQBlockAddr, p.triggerRefresh)
	}

	// 10. Stratum listeners.
	p.banManager.StartPurge(ctx, p.cfg.banPurgeInterval())
	ports, err := p.startListeners(ctx)
	if err != nil {
		return err
	}

	logger.Info("pool started",
		"coin", p.cfg.Coin.Name,
		"ports", strings.Join(ports, ","),
		"fee_percent", p.builder.TotalFeePercent(),
		"sha256", sha256ImplementationName(),
	)
	p.notifier.NotifyStarted(p.cfg.Coin.Name, ports)
	return nil
}

// probeDaemon issues the startup batch RPC: address validation, difficulty
// and mining info, a submitblock availability probe, and the network info
// calls, then resolves the reward type and the pool's output script.
func (p *Pool) probeDaemon(ctx context.Context) error {
	primary := p.daemons.Primary()
	calls := []rpcRequest{
		{Method: "validateaddress", Params: []any{p.cfg.Address}},
		{Method: "getdifficulty", Params: []any{}},
		{Method: "getmininginfo", Params: []any{}},
		{Method: "submitblock", Params: []any{}},
	}
	if p.cfg.Coin.HasGetInfo {
		calls = append(calls, rpcRequest{Method: "getinfo", Params: []any{}})
	} else {
		calls = append(calls,
			rpcRequest{Method: "getblockchaininfo", Params: []any{}},
			rpcRequest{Method: "getnetworkinfo", Params: []any{}},
		)
	}
	resps, err := primary.CallBatch(ctx, calls)
	if err != nil {
		return fmt.Errorf("daemon batch probe: %w", err)
	}

	var validity struct {
		IsValid bool `json:"isvalid"`
	}
	if resps[0].Error != nil {
		return fmt.Errorf("validateaddress: %w", resps[0].Error)
	}
	if err := wireJSONUnmarshal(resps[0].Result, &validity); err != nil {
		return fmt.Errorf("validateaddress decode: %w", err)
	}
	if !validity.IsValid {
		return fmt.Errorf("daemon reports pool address %s invalid", p.cfg.Address)
	}

	reward := p.cfg.rewardType()
	if resps[1].Error == nil {
		// getdifficulty returns an object carrying proof-of-stake on hybrid
		// chains; a bare number means pure POW.
		var diffObj map[string]json.RawMessage
		if err := wireJSONUnmarshal(resps[1].Result, &diffObj); err == nil {
			if _, ok := diffObj["proof-of-stake"]; ok {
				reward = rewardPOS
			}
		}
	}

	// submitblock with no params errs with a parameter complaint when the
	// method exists; a method-not-found means we must submit via
	// getblocktemplate mode=submit.
	if resps[3].Error != nil && isMethodNotFound(resps[3].Error) {
		p.submitViaGBT = true
		logger.Info("daemon lacks submitblock; using getblocktemplate submission")
	}

	network := "mainnet"
	protocol := 0
	if p.cfg.Coin.HasGetInfo {
		var info struct {
			Testnet         bool `json:"testnet"`
			ProtocolVersion int  `json:"protocolversion"`
		}
		if resps[4].Error == nil && wireJSONUnmarshal(resps[4].Result, &info) == nil {
			if info.Testnet {
				network = "testnet"
			}
			protocol = info.ProtocolVersion
		}
	} else {
		var chainInfo struct {
			Chain string `json:"chain"`
		}
		var netInfo struct {
			ProtocolVersion int `json:"protocolversion"`
		}
		if resps[4].Error == nil && wireJSONUnmarshal(resps[4].Result, &chainInfo) == nil && chainInfo.Chain != "" && chainInfo.Chain != "main" {
			network = "testnet"
		}
		if resps[5].Error == nil && wireJSONUnmarshal(resps[5].Result, &netInfo) == nil {
			protocol = netInfo.ProtocolVersion
		}
	}
	logger.Info("daemon probe complete",
		"network", network,
		"protocol_version", protocol,
		"reward", map[rewardType]string{rewardPOW: "POW", rewardPOS: "POS"}[reward],
	)

	poolScript, err := p.resolvePoolScript(reward)
	if err != nil {
		return err
	}
	p.builder = &CoinbaseBuilder{
		PoolScript:    poolScript,
		Reward:        reward,
		TxMessages:    p.cfg.Coin.TxMessages,
		PoolSignature: p.cfg.PoolSignature,
	}
	return nil
}

func (p *Pool) resolvePoolScript(reward rewardType) ([]byte, error) {
	addr := strings.TrimSpace(p.cfg.Address)
	if reward == rewardPOS && len(addr) == 66 && isHexString(addr) {
		return pubkeyToScript(addr)
	}
	script, err := scriptForPayoutAddress(addr, p.cfg.chainParams())
	if err != nil {
		return nil, fmt.Errorf("pool address: %w", err)
	}
	return script, nil
}

// buildRecipients resolves the reward-recipient map; invalid entries are
// logged and skipped.
func (p *Pool) buildRecipients() {
	for addr, percent := range p.cfg.RewardRecipients {
		script, err := addressToScript(addr)
		if err != nil {
			logger.Warn("skipping invalid reward recipient", "address", addr, "error", err)
			continue
		}
		p.builder.Recipients = append(p.builder.Recipients, coinbaseRecipient{
			Script:  script,
			Percent: percent,
		})
	}
	sort.Slice(p.builder.Recipients, func(i, j int) bool {
		return p.builder.Recipients[i].Percent > p.builder.Recipients[j].Percent
	})
}

func (p *Pool) waitForSync(ctx context.Context) error {
	for {
		var tpl GetBlockTemplateResult
		err := p.daemons.Call(ctx, "getblocktemplate", []any{gbtParams}, &tpl)
		if err == nil {
			return nil
		}
		var rpcErr *rpcError
		if errors.As(err, &rpcErr) && rpcErr.Code == rpcErrCodeUnsynced {
			logger.Info("waiting for daemon to sync the block chain")
			if sleepErr := sleepContext(ctx, 5*time.Second); sleepErr != nil {
				return sleepErr
			}
			continue
		}
		return fmt.Errorf("getblocktemplate: %w", err)
	}
}

func (p *Pool) fetchTemplate(ctx context.Context) (GetBlockTemplateResult, error) {
	var tpl GetBlockTemplateResult
	err := p.daemons.Call(ctx, "getblocktemplate", []any{gbtParams}, &tpl)
	return tpl, err
}

func (p *Pool) markBroadcast() {
	p.broadcastMu.Lock()
	p.lastBroadcast = time.Now()
	p.broadcastMu.Unlock()
}

func (p *Pool) sinceBroadcast() time.Duration {
	p.broadcastMu.Lock()
	defer p.broadcastMu.Unlock()
	return time.Since(p.lastBroadcast)
}

func (p *Pool) triggerRefresh() {
	select {
	case p.refreshCh <- struct{}{}:
	default:
	}
}

// pollLoop refreshes the template at blockRefreshInterval, immediately on
// a block-change signal, and rebroadcasts with clean_jobs=false when no
// template change arrived within jobRebroadcastTimeout.
func (p *Pool) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.blockRefreshInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-p.refreshCh:
		}

		tpl, err := p.fetchTemplate(ctx)
		if err != nil {
			if ctx.Err() == nil {
				logger.Error("template refresh failed", "error", err)
			}
			continue
		}

		newBlock, err := p.jobManager.ProcessTemplate(tpl)
		if err != nil {
			logger.Error("process template failed", "error", err)
			continue
		}
		if newBlock {
			p.markBroadcast()
			continue
		}
		if p.sinceBroadcast() >= p.cfg.jobRebroadcastTimeout() {
			if err := p.jobManager.UpdateCurrentJob(tpl); err != nil {
				logger.Error("job rebroadcast failed", "error", err)
				continue
			}
			p.markBroadcast()
		}
	}
}

func (p *Pool) startListeners(ctx context.Context) ([]string, error) {
	ports := make([]string, 0, len(p.cfg.Ports))
	for portStr := range p.cfg.Ports {
		ports = append(ports, portStr)
	}
	sort.Strings(ports)

	for _, portStr := range ports {
		port, _ := strconv.Atoi(portStr)
		portCfg := p.cfg.Ports[portStr]
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			return nil, fmt.Errorf("listen on %d: %w", port, err)
		}
		p.listeners = append(p.listeners, ln)
		go p.acceptLoop(ctx, ln, port, portCfg)
		logger.Info("stratum listening", "port", port, "diff", portCfg.Diff, "vardiff", portCfg.VarDiff != nil)
	}
	return ports, nil
}

func (p *Pool) acceptLoop(ctx context.Context, ln net.Listener, port int, portCfg PortConfig) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Warn("accept error", "port", port, "error", err)
			continue
		}
		host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
		if p.banManager.IsBanned(host) {
			logger.Debug("rejecting banned address", "remote", host)
			_ = conn.Close()
			continue
		}
		p.metrics.RecordConnectionOpened()
		mc := NewMinerConn(ctx, conn, p, port, portCfg)
		go mc.handle()
	}
}

// onShare receives every share record from the pipeline.
func (p *Pool) onShare(s Share) {
	if s.Error != "" {
		logger.Debug("share rejected",
			"worker", s.Worker,
			"remote", s.Remote,
			"job", s.JobID,
			"reason", s.Error,
		)
		return
	}
	attrs := []any{
		"worker", s.Worker,
		"remote", s.Remote,
		"height", s.Height,
		"difficulty", s.Difficulty,
		"share_diff", s.ShareDiff,
	}
	if s.BlockHash != "" {
		attrs = append(attrs, "block_hash", s.BlockHash)
		logger.Info("block candidate share", attrs...)
		return
	}
	logger.Debug("share accepted", attrs...)
}

// submitBlock pushes a found block to the daemon, falling back to
// getblocktemplate submission for daemons without submitblock, verifies
// acceptance via getblock, and requests a fresh template.
func (p *Pool) submitBlock(result ShareResult) {
	p.metrics.RecordBlockFound()
	share := result.Share
	p.submitters.Submit(func() {
		// Block submission must survive shutdown signals; give it its own
		// deadline instead of the pool context.
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		var submitRes json.RawMessage
		var err error
		if !p.submitViaGBT {
			err = p.daemons.Call(ctx, "submitblock", []any{result.BlockHex}, &submitRes)
			if err != nil && isMethodNotFound(err) {
				p.submitViaGBT = true
			}
		}
		if p.submitViaGBT {
			err = p.daemons.Call(ctx, "getblocktemplate", []any{map[string]any{
				"mode": "submit",
				"data": result.BlockHex,
			}}, &submitRes)
		}
		if err != nil {
			p.metrics.RecordBlockRejected()
			logger.Error("submitblock failed", "hash", result.BlockHash, "error", err)
			return
		}
		if res := strings.Trim(string(submitRes), `"`); res != "" && res != "null" {
			p.metrics.RecordBlockRejected()
			logger.Error("block rejected by daemon", "hash", result.BlockHash, "response", res)
			return
		}

		var block struct {
			Confirmations int      `json:"confirmations"`
			Tx            []string `json:"tx"`
		}
		if err := p.daemons.Call(ctx, "getblock", []any{result.BlockHash}, &block); err != nil {
			logger.Error("getblock verification failed", "hash", result.BlockHash, "error", err)
		} else if block.Confirmations == -1 {
			p.metrics.RecordBlockRejected()
			logger.Warn("block was orphaned before verification", "hash", result.BlockHash)
		} else {
			p.metrics.RecordBlockAccepted()
			txid := ""
			if len(block.Tx) > 0 {
				txid = block.Tx[0]
			}
			logger.Info("block accepted",
				"height", share.Height,
				"hash", result.BlockHash,
				"worker", share.Worker,
				"coinbase_txid", txid,
				"reward_sats", share.BlockReward,
			)
			p.notifier.NotifyBlockFound(share.Height, result.BlockHash, share.Worker)
		}

		p.triggerRefresh()
	})
}

func (p *Pool) Shutdown() {
	for _, ln := range p.listeners {
		_ = ln.Close()
	}
	p.notifier.Stop()
}

func isMethodNotFound(err error) bool {
	var rpcErr *rpcError
	if errors.As(err, &rpcErr) {
		return rpcErr.Code == -32601 || strings.Contains(strings.ToLower(rpcErr.Message), "method not found")
	}
	return false
}
