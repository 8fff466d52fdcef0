package main

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
)

// GetBlockTemplateResult mirrors the BIP22/23 getblocktemplate fields the
// pool consumes, plus the masternode/superblock extensions some SHA-256
// coins carry.
type GetBlockTemplateResult struct {
	Bits                     string           `json:"bits"`
	CurTime                  int64            `json:"curtime"`
	Height                   int64            `json:"height"`
	Mintime                  int64            `json:"mintime"`
	Target                   string           `json:"target"`
	Version                  int32            `json:"version"`
	Previous                 string           `json:"previousblockhash"`
	CoinbaseValue            int64            `json:"coinbasevalue"`
	DefaultWitnessCommitment string           `json:"default_witness_commitment"`
	LongPollID               string           `json:"longpollid"`
	Transactions             []GBTTransaction `json:"transactions"`
	Mutable                  []string         `json:"mutable"`
	Rules                    []string         `json:"rules"`
	MasternodePayments       bool             `json:"masternode_payments"`
	Masternode               []GBTPayee       `json:"masternode"`
	Superblock               []GBTPayee       `json:"superblock"`
	Votes                    []string         `json:"votes"`
	CoinbaseAux              struct {
		Flags string `json:"flags"`
	} `json:"coinbaseaux"`
}

type GBTTransaction struct {
	Data string `json:"data"`
	Txid string `json:"txid"`
	Hash string `json:"hash"`
}

type GBTPayee struct {
	Payee  string `json:"payee"`
	Script string `json:"script"`
	Amount int64  `json:"amount"`
}

type submissionKey struct {
	extranonce1 string
	extranonce2 string
	ntime       string
	nonce       string
}

// BlockTemplate is one mining job: the daemon template plus everything
// derived from it that mining.notify and share validation need. It is
// immutable after construction except for the per-job submission set.
type BlockTemplate struct {
	JobID            string
	Template         GetBlockTemplateResult
	Target           *Uint256
	Difficulty       float64
	PrevHashReversed string
	MerkleBranch     [][]byte
	MerkleBranchHex  []string
	Coinb1           []byte
	Coinb2           []byte
	VersionMask      uint32

	prevHashLE []byte // internal byte order for the 80-byte header
	bitsLE     []byte
	rawTxs     []byte

	submitMu sync.Mutex
	submits  map[submissionKey]struct{}
}

// NewBlockTemplate derives a job from a daemon template. The coinbase is
// built once without worker attribution; see JobManager.ProcessShare for
// the block-found path.
func NewBlockTemplate(jobID string, tpl GetBlockTemplateResult, builder *CoinbaseBuilder, versionMask uint32) (*BlockTemplate, error) {
	if len(tpl.Previous) != 64 {
		return nil, fmt.Errorf("previousblockhash hex must be 64 chars, got %d", len(tpl.Previous))
	}
	prevBytes, err := hex.DecodeString(tpl.Previous)
	if err != nil {
		return nil, fmt.Errorf("decode previousblockhash: %w", err)
	}

	var target *Uint256
	if tpl.Target != "" {
		target, err = Uint256FromHex(tpl.Target)
	} else {
		target, err = targetFromBitsHex(tpl.Bits)
	}
	if err != nil {
		return nil, err
	}
	if target.Sign() <= 0 {
		return nil, fmt.Errorf("template target must be positive")
	}

	bitsLE, err := hex.DecodeString(tpl.Bits)
	if err != nil || len(bitsLE) != 4 {
		return nil, fmt.Errorf("bits must be 8 hex chars")
	}

	txHashes := make([][]byte, len(tpl.Transactions))
	var rawTxs bytes.Buffer
	for i, tx := range tpl.Transactions {
		hashHex := tx.Txid
		if hashHex == "" {
			hashHex = tx.Hash
		}
		h, err := uint256BytesFromHashHex(hashHex)
		if err != nil {
			return nil, fmt.Errorf("tx %d hash: %w", i, err)
		}
		txHashes[i] = h
		raw, err := hex.DecodeString(tx.Data)
		if err != nil {
			return nil, fmt.Errorf("tx %d data: %w", i, err)
		}
		rawTxs.Write(raw)
	}
	branch := buildMerkleBranch(txHashes)

	coinb1, coinb2, err := builder.BuildParts(&tpl, extranoncePlaceholder, "")
	if err != nil {
		return nil, fmt.Errorf("coinbase build: %w", err)
	}

	if versionMask == 0 {
		versionMask = defaultVersionMask
	}

	return &BlockTemplate{
		JobID:            jobID,
		Template:         tpl,
		Target:           target,
		Difficulty:       difficultyFromTarget(target),
		PrevHashReversed: hex.EncodeToString(reverseU32Words(prevBytes)),
		MerkleBranch:     branch,
		MerkleBranchHex:  hexMerkleBranch(branch),
		Coinb1:           coinb1,
		Coinb2:           coinb2,
		VersionMask:      versionMask,
		prevHashLE:       reverseBytes(prevBytes),
		bitsLE:           reverseBytes(bitsLE),
		rawTxs:           rawTxs.Bytes(),
		submits:          make(map[submissionKey]struct{}),
	}, nil
}

// SerializeCoinbase assembles the full coinbase transaction from the split
// parts and the two extranonce halves.
func (t *BlockTemplate) SerializeCoinbase(extranonce1, extranonce2 []byte) []byte {
	out := make([]byte, 0, len(t.Coinb1)+len(extranonce1)+len(extranonce2)+len(t.Coinb2))
	out = append(out, t.Coinb1...)
	out = append(out, extranonce1...)
	out = append(out, extranonce2...)
	return append(out, t.Coinb2...)
}

// SerializeHeader produces the canonical 80-byte block header:
// version(LE) || prevhash || merkleroot || ntime(LE) || bits(LE) || nonce(LE),
// with prevhash and merkleroot in internal byte order. merkleRootHex is the
// display-order root produced by the share pipeline; ntime and nonce are the
// big-endian hex fields from mining.submit.
func (t *BlockTemplate) SerializeHeader(merkleRootHex, ntimeHex, nonceHex string, version uint32) ([]byte, error) {
	var root [32]byte
	if len(merkleRootHex) != 64 {
		return nil, fmt.Errorf("merkle root hex must be 64 chars")
	}
	if _, err := hex.Decode(root[:], []byte(merkleRootHex)); err != nil {
		return nil, fmt.Errorf("decode merkle root: %w", err)
	}

	ntime, err := parseUint32BEHex(ntimeHex)
	if err != nil {
		return nil, fmt.Errorf("decode ntime: %w", err)
	}
	nonce, err := parseUint32BEHex(nonceHex)
	if err != nil {
		return nil, fmt.Errorf("decode nonce: %w", err)
	}

	hdr := make([]byte, 80)
	hdr[0] = byte(version)
	hdr[1] = byte(version >> 8)
	hdr[2] = byte(version >> 16)
	hdr[3] = byte(version >> 24)
	copy(hdr[4:36], t.prevHashLE)
	copy(hdr[36:68], reverseBytes(root[:]))
	hdr[68] = byte(ntime)
	hdr[69] = byte(ntime >> 8)
	hdr[70] = byte(ntime >> 16)
	hdr[71] = byte(ntime >> 24)
	copy(hdr[72:76], t.bitsLE)
	hdr[76] = byte(nonce)
	hdr[77] = byte(nonce >> 8)
	hdr[78] = byte(nonce >> 16)
	hdr[79] = byte(nonce >> 24)
	return hdr, nil
}

// SerializeBlock appends the transaction payload to a header, yielding the
// bytes handed to submitblock.
func (t *BlockTemplate) SerializeBlock(header, coinbase []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(len(header) + 9 + len(coinbase) + len(t.rawTxs) + 64)
	buf.Write(header)
	writeVarInt(&buf, uint64(1+len(t.Template.Transactions)))
	buf.Write(coinbase)
	buf.Write(t.rawTxs)
	buf.Write(t.voteData())
	return buf.Bytes()
}

// SerializeBlockPOS is the POS block layout: a zero-length signature
// placeholder trails the transactions.
func (t *BlockTemplate) SerializeBlockPOS(header, coinbase []byte) []byte {
	return append(t.SerializeBlock(header, coinbase), 0x00)
}

func (t *BlockTemplate) voteData() []byte {
	if !t.Template.MasternodePayments || len(t.Template.Votes) == 0 {
		return nil
	}
	out := varIntBytes(uint64(len(t.Template.Votes)))
	for _, v := range t.Template.Votes {
		raw, err := hex.DecodeString(v)
		if err != nil {
			continue
		}
		out = append(out, raw...)
	}
	return out
}

// RegisterSubmit records a submission 4-tuple, reporting whether it was new.
// The set is per-job and lives for the job's lifetime.
func (t *BlockTemplate) RegisterSubmit(extranonce1, extranonce2, ntime, nonce string) bool {
	key := submissionKey{
		extranonce1: strings.ToLower(extranonce1),
		extranonce2: strings.ToLower(extranonce2),
		ntime:       strings.ToLower(ntime),
		nonce:       strings.ToLower(nonce),
	}
	t.submitMu.Lock()
	defer t.submitMu.Unlock()
	if _, seen := t.submits[key]; seen {
		return false
	}
	t.submits[key] = struct{}{}
	return true
}

// JobParams is the 9-tuple broadcast in mining.notify. The clean flag is
// true here; refresh broadcasts flip it before sending.
func (t *BlockTemplate) JobParams() []any {
	return []any{
		t.JobID,
		t.PrevHashReversed,
		hex.EncodeToString(t.Coinb1),
		hex.EncodeToString(t.Coinb2),
		t.MerkleBranchHex,
		int32ToBEHex(t.Template.Version),
		t.Template.Bits,
		uint32ToBEHex(uint32(t.Template.CurTime)),
		true,
	}
}
