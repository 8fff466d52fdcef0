package main

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/remeh/sizedwaitgroup"
)

// StratumErr is a submit rejection with its wire error code.
type StratumErr struct {
	Code    int
	Message string
}

func (e *StratumErr) Error() string { return fmt.Sprintf("%d: %s", e.Code, e.Message) }

func stratumErrf(code int, format string, args ...any) *StratumErr {
	return &StratumErr{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Share is the record emitted for every processed submission, valid or not.
type Share struct {
	JobID       string
	Worker      string
	Remote      string
	Port        int
	Height      int64
	BlockReward int64
	Difficulty  float64
	ShareDiff   float64
	BlockDiff   float64
	BlockHash   string
	Error       string
}

// ShareSubmission carries one mining.submit through validation.
type ShareSubmission struct {
	JobID              string
	Extranonce1        string
	Extranonce2        string
	NTime              string
	Nonce              string
	VersionHex         string
	NegotiatedMask     uint32
	AsicboostEnabled   bool
	Difficulty         float64
	PreviousDifficulty float64
	RemoteAddr         string
	Port               int
	Worker             string
}

// ShareResult is what ProcessShare hands back: the share record plus, for
// block candidates, the assembled block.
type ShareResult struct {
	Share     Share
	BlockHex  string
	BlockHash string
	Err       *StratumErr
}

// jobCounter assigns 16-bit rolling job IDs rendered as lowercase hex.
// The counter wraps to 1 and never yields 0.
type jobCounter struct {
	mu      sync.Mutex
	counter uint16
}

func (c *jobCounter) Next() string {
	c.mu.Lock()
	c.counter++
	if c.counter == 0 {
		c.counter = 1
	}
	v := c.counter
	c.mu.Unlock()
	return fmt.Sprintf("%x", v)
}

// ExtranonceCounter hands out the pool-assigned extranonce1 values. The
// counter is seeded with instanceID << 27 so pool instances sharing a coin
// carve out disjoint ranges.
type ExtranonceCounter struct {
	counter atomic.Uint32
}

func NewExtranonceCounter(instanceID uint32) *ExtranonceCounter {
	c := &ExtranonceCounter{}
	c.counter.Store(instanceID << 27)
	return c
}

func (c *ExtranonceCounter) Next() string {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], c.counter.Add(1))
	return hex.EncodeToString(buf[:])
}

func (c *ExtranonceCounter) Size() int { return extranonce1Size }

type jobBroadcast struct {
	Job       *BlockTemplate
	CleanJobs bool
}

// JobManager owns the valid-jobs map, assigns job IDs and extranonce1
// ranges, decides whether a template is a new block or a refresh, and runs
// the share-validation pipeline.
type JobManager struct {
	builder     *CoinbaseBuilder
	versionMask uint32
	posReward   bool

	ExtranonceCtr *ExtranonceCounter
	jobCtr        jobCounter

	mu         sync.RWMutex
	currentJob *BlockTemplate
	validJobs  map[string]*BlockTemplate

	subsMu      sync.Mutex
	subs        map[chan jobBroadcast]struct{}
	notifyQueue chan jobBroadcast
	notifyWg    sizedwaitgroup.SizedWaitGroup
	startOnce   sync.Once

	onShare func(Share)

	// emitInvalidHashes attaches the header hash to rejected low-difficulty
	// share records for operator diagnostics.
	emitInvalidHashes bool

	now func() time.Time
}

func NewJobManager(builder *CoinbaseBuilder, versionMask uint32, instanceID uint32) *JobManager {
	if versionMask == 0 {
		versionMask = defaultVersionMask
	}
	return &JobManager{
		builder:       builder,
		versionMask:   versionMask,
		posReward:     builder.Reward == rewardPOS,
		ExtranonceCtr: NewExtranonceCounter(instanceID),
		validJobs:     make(map[string]*BlockTemplate),
		subs:          make(map[chan jobBroadcast]struct{}),
		notifyQueue:   make(chan jobBroadcast, 128),
		now:           time.Now,
	}
}

// SetShareHandler registers the callback that receives every share record.
func (jm *JobManager) SetShareHandler(fn func(Share)) { jm.onShare = fn }

// SetEmitInvalidBlockHashes controls whether rejected low-difficulty share
// records carry their header hash.
func (jm *JobManager) SetEmitInvalidBlockHashes(v bool) { jm.emitInvalidHashes = v }

func (jm *JobManager) emitShare(s Share) {
	if jm.onShare != nil {
		jm.onShare(s)
	}
}

// Start spins up the broadcast fan-out workers.
func (jm *JobManager) Start() {
	jm.startOnce.Do(func() {
		workers := runtime.NumCPU()
		jm.notifyWg = sizedwaitgroup.New(workers)
		for i := 0; i < workers; i++ {
			jm.notifyWg.Add()
			go jm.notificationWorker()
		}
	})
}

func (jm *JobManager) notificationWorker() {
	defer jm.notifyWg.Done()
	for bc := range jm.notifyQueue {
		jm.subsMu.Lock()
		blocked := 0
		for ch := range jm.subs {
			select {
			case ch <- bc:
			default:
				blocked++
			}
		}
		jm.subsMu.Unlock()
		if blocked > 0 {
			logger.Warn("job broadcast blocked; dropping update", "blocked", blocked)
		}
	}
}

func (jm *JobManager) Subscribe() chan jobBroadcast {
	ch := make(chan jobBroadcast, 4)
	jm.subsMu.Lock()
	jm.subs[ch] = struct{}{}
	jm.subsMu.Unlock()
	return ch
}

func (jm *JobManager) Unsubscribe(ch chan jobBroadcast) {
	jm.subsMu.Lock()
	if _, ok := jm.subs[ch]; ok {
		delete(jm.subs, ch)
		close(ch)
	}
	jm.subsMu.Unlock()
}

func (jm *JobManager) SubscriberCount() int {
	jm.subsMu.Lock()
	defer jm.subsMu.Unlock()
	return len(jm.subs)
}

func (jm *JobManager) broadcast(bc jobBroadcast) {
	select {
	case jm.notifyQueue <- bc:
	default:
		// Queue full; deliver synchronously instead. A subscriber whose
		// channel is full misses this update.
		jm.subsMu.Lock()
		for ch := range jm.subs {
			select {
			case ch <- bc:
			default:
			}
		}
		jm.subsMu.Unlock()
	}
}

func (jm *JobManager) CurrentJob() *BlockTemplate {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return jm.currentJob
}

func (jm *JobManager) JobForID(id string) (*BlockTemplate, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	job, ok := jm.validJobs[id]
	return job, ok
}

// ProcessTemplate decides whether tpl begins a new block. A template whose
// previous hash changed but whose height regressed is ignored. Returns
// true when a new block was processed.
func (jm *JobManager) ProcessTemplate(tpl GetBlockTemplateResult) (bool, error) {
	jm.mu.RLock()
	cur := jm.currentJob
	jm.mu.RUnlock()

	isNewBlock := cur == nil || tpl.Previous != cur.Template.Previous
	if !isNewBlock {
		return false, nil
	}
	if cur != nil && tpl.Height < cur.Template.Height {
		logger.Debug("ignoring outdated template", "height", tpl.Height, "current", cur.Template.Height)
		return false, nil
	}

	job, err := NewBlockTemplate(jm.jobCtr.Next(), tpl, jm.builder, jm.versionMask)
	if err != nil {
		return false, err
	}

	jm.mu.Lock()
	jm.validJobs = map[string]*BlockTemplate{job.JobID: job}
	jm.currentJob = job
	jm.mu.Unlock()

	logger.Info("new block job", "height", tpl.Height, "job_id", job.JobID, "bits", tpl.Bits, "txs", len(tpl.Transactions))
	jm.broadcast(jobBroadcast{Job: job, CleanJobs: true})
	return true, nil
}

// UpdateCurrentJob rebuilds the current job from tpl under a fresh job ID.
// Existing jobs stay valid; the broadcast goes out with clean_jobs=false.
func (jm *JobManager) UpdateCurrentJob(tpl GetBlockTemplateResult) error {
	job, err := NewBlockTemplate(jm.jobCtr.Next(), tpl, jm.builder, jm.versionMask)
	if err != nil {
		return err
	}

	jm.mu.Lock()
	jm.validJobs[job.JobID] = job
	jm.currentJob = job
	jm.mu.Unlock()

	logger.Debug("refreshed job", "height", tpl.Height, "job_id", job.JobID)
	jm.broadcast(jobBroadcast{Job: job, CleanJobs: false})
	return nil
}

// ProcessShare runs the ordered share pipeline. Any failure emits a share
// record carrying the error and stops.
func (jm *JobManager) ProcessShare(sub ShareSubmission) ShareResult {
	fail := func(job *BlockTemplate, err *StratumErr) ShareResult {
		share := Share{
			JobID:  sub.JobID,
			Worker: sub.Worker,
			Remote: sub.RemoteAddr,
			Port:   sub.Port,
			Error:  err.Message,
		}
		if job != nil {
			share.Height = job.Template.Height
			share.BlockReward = job.Template.CoinbaseValue
			share.BlockDiff = job.Difficulty
		}
		share.Difficulty = sub.Difficulty
		jm.emitShare(share)
		return ShareResult{Share: share, Err: err}
	}

	if len(sub.Extranonce2)/2 != extranonce2Size {
		return fail(nil, stratumErrf(20, "incorrect size of extranonce2"))
	}

	job, ok := jm.JobForID(sub.JobID)
	if !ok {
		return fail(nil, stratumErrf(21, "job not found"))
	}

	if len(sub.NTime) != 8 {
		return fail(job, stratumErrf(20, "incorrect size of ntime"))
	}
	ntimeVal, err := parseUint32BEHex(sub.NTime)
	if err != nil {
		return fail(job, stratumErrf(20, "incorrect size of ntime"))
	}
	now := jm.now()
	if int64(ntimeVal) < job.Template.CurTime || int64(ntimeVal) > now.Add(ntimeForwardSlack).Unix() {
		return fail(job, stratumErrf(20, "ntime out of range"))
	}

	if len(sub.Nonce) != 8 {
		return fail(job, stratumErrf(20, "incorrect size of nonce"))
	}
	if _, err := parseUint32BEHex(sub.Nonce); err != nil {
		return fail(job, stratumErrf(20, "incorrect size of nonce"))
	}

	version := uint32(job.Template.Version)
	if sub.AsicboostEnabled {
		submitted := uint32(0)
		if sub.VersionHex != "" {
			submitted, err = parseUint32BEHex(sub.VersionHex)
			if err != nil {
				return fail(job, stratumErrf(20, "incorrect size of version"))
			}
		}
		if submitted == 0 {
			submitted = uint32(job.Template.Version)
		}
		if submitted < 4 {
			return fail(job, stratumErrf(20, "version too low"))
		}
		if submitted != uint32(job.Template.Version) {
			mask := sub.NegotiatedMask
			if mask == 0 {
				mask = job.VersionMask
			}
			rolled := submitted ^ uint32(job.Template.Version)
			if rolled&^mask != 0 {
				return fail(job, stratumErrf(20, "version rolling outside allowed mask"))
			}
		}
		version = submitted
	}

	if !job.RegisterSubmit(sub.Extranonce1, sub.Extranonce2, sub.NTime, sub.Nonce) {
		return fail(job, stratumErrf(22, "duplicate share"))
	}

	en1, err := hex.DecodeString(sub.Extranonce1)
	if err != nil {
		return fail(job, stratumErrf(20, "incorrect size of extranonce2"))
	}
	en2, err := hex.DecodeString(sub.Extranonce2)
	if err != nil {
		return fail(job, stratumErrf(20, "incorrect size of extranonce2"))
	}

	coinbase := job.SerializeCoinbase(en1, en2)
	coinbaseHash := doubleSHA256(coinbase)
	merkleRootHex := hex.EncodeToString(reverseBytes(merkleRootWithCoinbase(coinbaseHash, job.MerkleBranch)))

	header, err := job.SerializeHeader(merkleRootHex, sub.NTime, sub.Nonce, version)
	if err != nil {
		return fail(job, stratumErrf(20, "%s", err.Error()))
	}
	headerHash := doubleSHA256(header)
	headerVal := Uint256FromBytesLE(headerHash)

	shareDiff := shareDifficulty(headerHash, 1)

	share := Share{
		JobID:       sub.JobID,
		Worker:      sub.Worker,
		Remote:      sub.RemoteAddr,
		Port:        sub.Port,
		Height:      job.Template.Height,
		BlockReward: job.Template.CoinbaseValue,
		Difficulty:  sub.Difficulty,
		ShareDiff:   shareDiff,
		BlockDiff:   job.Difficulty,
	}

	if job.Target.Cmp(headerVal) >= 0 {
		// Block candidate. The block must hash to the submitted
		// nonce/ntime/version, so the coinbase that was actually mined is
		// reused as-is; worker attribution lives in the share record.
		var blockHex string
		if jm.posReward {
			blockHex = hex.EncodeToString(job.SerializeBlockPOS(header, coinbase))
		} else {
			blockHex = hex.EncodeToString(job.SerializeBlock(header, coinbase))
		}
		blockHash := hex.EncodeToString(reverseBytes(headerHash))
		share.BlockHash = blockHash
		jm.emitShare(share)
		return ShareResult{Share: share, BlockHex: blockHex, BlockHash: blockHash}
	}

	if sub.Difficulty > 0 && shareDiff/sub.Difficulty < 0.99 {
		// A vardiff retarget may have raced this share; accept it against
		// the previous difficulty when it still meets that bar.
		if sub.PreviousDifficulty > 0 && shareDiff >= sub.PreviousDifficulty {
			share.Difficulty = sub.PreviousDifficulty
		} else {
			lowDiffErr := stratumErrf(23, "low difficulty share of %.8f", shareDiff)
			share.Error = lowDiffErr.Message
			if jm.emitInvalidHashes {
				share.BlockHash = hex.EncodeToString(reverseBytes(headerHash))
			}
			jm.emitShare(share)
			return ShareResult{Share: share, Err: lowDiffErr}
		}
	}

	jm.emitShare(share)
	return ShareResult{Share: share}
}
