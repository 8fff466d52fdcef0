package main

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"math"
)

type rewardType int

const (
	rewardPOW rewardType = iota
	rewardPOS
)

// coinbaseRecipient is a fee output carved out of the block reward.
type coinbaseRecipient struct {
	Script  []byte
	Percent float64
}

// CoinbaseBuilder turns a block template into the split coinbase
// transaction the Stratum protocol hands to miners. The fee and payee
// layout lives here so the job pipeline never has to know coin-specific
// output rules.
type CoinbaseBuilder struct {
	PoolScript    []byte
	Recipients    []coinbaseRecipient
	Reward        rewardType
	TxMessages    bool
	PoolSignature string
}

func (b *CoinbaseBuilder) txVersion() uint32 {
	if b.TxMessages || b.Reward == rewardPOS {
		return 2
	}
	return 1
}

// TotalFeePercent reports the share of the reward routed away from the
// pool address.
func (b *CoinbaseBuilder) TotalFeePercent() float64 {
	total := 0.0
	for _, r := range b.Recipients {
		total += r.Percent
	}
	return total
}

// BuildParts produces coinb1/coinb2 such that
// coinb1 || extranonce1 || extranonce2 || coinb2 is a valid coinbase
// transaction for the template. workerLabel, when non-empty, is appended
// to the pool signature inside the scriptSig.
func (b *CoinbaseBuilder) BuildParts(tpl *GetBlockTemplateResult, placeholderLen int, workerLabel string) ([]byte, []byte, error) {
	if len(b.PoolScript) == 0 {
		return nil, nil, fmt.Errorf("pool payout script not configured")
	}
	if placeholderLen <= 0 {
		placeholderLen = extranoncePlaceholder
	}

	heightScript, err := serializeNumberScript(tpl.Height)
	if err != nil {
		return nil, nil, fmt.Errorf("serialize height: %w", err)
	}
	timeScript, err := serializeNumberScript(tpl.CurTime)
	if err != nil {
		return nil, nil, fmt.Errorf("serialize curtime: %w", err)
	}

	var flagsBytes []byte
	if tpl.CoinbaseAux.Flags != "" {
		flagsBytes, err = hex.DecodeString(tpl.CoinbaseAux.Flags)
		if err != nil {
			return nil, nil, fmt.Errorf("decode coinbase flags: %w", err)
		}
	}

	scriptSigPart1 := bytes.Join([][]byte{
		heightScript,
		flagsBytes,
		timeScript,
		{byte(placeholderLen)},
	}, nil)

	signature := b.PoolSignature
	if signature == "" {
		signature = "/stratumpool/"
	}
	if workerLabel != "" {
		signature += workerLabel
	}
	scriptSigPart2 := serializeStringScript(signature)

	scriptSigLen := len(scriptSigPart1) + placeholderLen + len(scriptSigPart2)

	var p1 bytes.Buffer
	writeUint32LE(&p1, b.txVersion())
	if b.Reward == rewardPOS {
		writeUint32LE(&p1, uint32(tpl.CurTime))
	}
	writeVarInt(&p1, 1)
	p1.Write(bytes.Repeat([]byte{0x00}, 32))
	writeUint32LE(&p1, 0xffffffff)
	writeVarInt(&p1, uint64(scriptSigLen))
	p1.Write(scriptSigPart1)

	outputs, err := b.buildOutputs(tpl)
	if err != nil {
		return nil, nil, err
	}

	var p2 bytes.Buffer
	p2.Write(scriptSigPart2)
	writeUint32LE(&p2, 0xffffffff) // sequence
	p2.Write(outputs)
	writeUint32LE(&p2, 0) // locktime
	if b.TxMessages {
		p2.Write(serializeStringScript(signature))
	}

	return p1.Bytes(), p2.Bytes(), nil
}

type coinbaseOutput struct {
	Script []byte
	Value  int64
}

// buildOutputs lays out the coinbase outputs: an optional zero-value
// witness commitment first, then the pool remainder, then masternode and
// superblock payees at their declared amounts, then fee recipients.
func (b *CoinbaseBuilder) buildOutputs(tpl *GetBlockTemplateResult) ([]byte, error) {
	reward := tpl.CoinbaseValue
	if reward <= 0 {
		return nil, fmt.Errorf("template coinbasevalue must be positive, got %d", reward)
	}
	rewardToPool := reward

	var payees []coinbaseOutput
	appendPayees := func(list []GBTPayee) error {
		for _, p := range list {
			script, err := payeeScript(p)
			if err != nil {
				return err
			}
			if p.Amount < 0 {
				return fmt.Errorf("payee %s amount negative", p.Payee)
			}
			rewardToPool -= p.Amount
			payees = append(payees, coinbaseOutput{Script: script, Value: p.Amount})
		}
		return nil
	}
	if tpl.MasternodePayments {
		if err := appendPayees(tpl.Masternode); err != nil {
			return nil, fmt.Errorf("masternode payee: %w", err)
		}
	}
	if err := appendPayees(tpl.Superblock); err != nil {
		return nil, fmt.Errorf("superblock payee: %w", err)
	}

	var fees []coinbaseOutput
	for i, r := range b.Recipients {
		if len(r.Script) == 0 || r.Percent <= 0 {
			continue
		}
		amount := int64(math.Floor(float64(reward) * r.Percent / 100.0))
		if amount <= 0 {
			continue
		}
		if amount >= rewardToPool {
			return nil, fmt.Errorf("recipient %d fee %d exceeds remaining reward %d", i, amount, rewardToPool)
		}
		rewardToPool -= amount
		fees = append(fees, coinbaseOutput{Script: r.Script, Value: amount})
	}
	if rewardToPool <= 0 {
		return nil, fmt.Errorf("pool output must be positive after payees and fees")
	}

	outs := make([]coinbaseOutput, 0, 2+len(payees)+len(fees))
	if tpl.DefaultWitnessCommitment != "" {
		commitScript, err := hex.DecodeString(tpl.DefaultWitnessCommitment)
		if err != nil {
			return nil, fmt.Errorf("decode witness commitment: %w", err)
		}
		outs = append(outs, coinbaseOutput{Script: commitScript, Value: 0})
	}
	outs = append(outs, coinbaseOutput{Script: b.PoolScript, Value: rewardToPool})
	outs = append(outs, payees...)
	outs = append(outs, fees...)

	var buf bytes.Buffer
	writeVarInt(&buf, uint64(len(outs)))
	for _, o := range outs {
		writeUint64LE(&buf, uint64(o.Value))
		writeVarInt(&buf, uint64(len(o.Script)))
		buf.Write(o.Script)
	}
	return buf.Bytes(), nil
}

func payeeScript(p GBTPayee) ([]byte, error) {
	if p.Script != "" {
		return hex.DecodeString(p.Script)
	}
	if p.Payee != "" {
		return addressToScript(p.Payee)
	}
	return nil, fmt.Errorf("payee entry missing script and address")
}

func writeUint32LE(buf *bytes.Buffer, v uint32) {
	var tmp [4]byte
	tmp[0] = byte(v)
	tmp[1] = byte(v >> 8)
	tmp[2] = byte(v >> 16)
	tmp[3] = byte(v >> 24)
	buf.Write(tmp[:])
}

func writeUint64LE(buf *bytes.Buffer, v uint64) {
	var tmp [8]byte
	for i := 0; i < 8; i++ {
		tmp[i] = byte(v >> (8 * i))
	}
	buf.Write(tmp[:])
}
