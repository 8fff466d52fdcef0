package main

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/btcsuite/btcd/wire"
)

func testCoinbaseTemplate() GetBlockTemplateResult {
	var tpl GetBlockTemplateResult
	tpl.Height = 1000
	tpl.CurTime = 1580600000
	tpl.CoinbaseValue = 50 * 1e8
	tpl.Previous = "000000000000000000021a42a466c1b0a6f42b1e8d5ab7f8b2c3d4e5f6a7b8c9"
	tpl.Bits = "1d00ffff"
	tpl.Version = 0x20000000
	return tpl
}

func assembleCoinbase(t *testing.T, builder *CoinbaseBuilder, tpl GetBlockTemplateResult) []byte {
	t.Helper()
	coinb1, coinb2, err := builder.BuildParts(&tpl, extranoncePlaceholder, "")
	if err != nil {
		t.Fatalf("BuildParts: %v", err)
	}
	en1 := []byte{0x01, 0x02, 0x03, 0x04}
	en2 := []byte{0xaa, 0xbb, 0xcc, 0xdd}
	out := append(append([]byte{}, coinb1...), en1...)
	out = append(out, en2...)
	return append(out, coinb2...)
}

func TestCoinbaseSingleOutputStructure(t *testing.T) {
	builder := &CoinbaseBuilder{PoolScript: []byte{0x51}, PoolSignature: "/test/"}
	tpl := testCoinbaseTemplate()
	raw := assembleCoinbase(t, builder, tpl)

	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		t.Fatalf("deserialize coinbase: %v", err)
	}
	if tx.Version != 1 {
		t.Errorf("version = %d, want 1", tx.Version)
	}
	if len(tx.TxIn) != 1 {
		t.Fatalf("inputs = %d, want 1", len(tx.TxIn))
	}
	in := tx.TxIn[0]
	if in.PreviousOutPoint.Index != 0xffffffff {
		t.Errorf("prevout index = %#x", in.PreviousOutPoint.Index)
	}
	if in.Sequence != 0xffffffff {
		t.Errorf("sequence = %#x, want ffffffff", in.Sequence)
	}
	if tx.LockTime != 0 {
		t.Errorf("locktime = %d", tx.LockTime)
	}
	if len(tx.TxOut) != 1 {
		t.Fatalf("outputs = %d, want 1", len(tx.TxOut))
	}
	if tx.TxOut[0].Value != tpl.CoinbaseValue {
		t.Errorf("pool output = %d, want %d", tx.TxOut[0].Value, tpl.CoinbaseValue)
	}
	// The scriptSig must start with the BIP34 height push.
	heightScript, _ := serializeNumberScript(tpl.Height)
	if !bytes.HasPrefix(in.SignatureScript, heightScript) {
		t.Errorf("scriptSig does not start with height push: %x", in.SignatureScript)
	}
	// And carry the 8-byte extranonce region.
	if !bytes.Contains(in.SignatureScript, []byte{0x01, 0x02, 0x03, 0x04, 0xaa, 0xbb, 0xcc, 0xdd}) {
		t.Error("scriptSig missing extranonce bytes")
	}
}

func TestCoinbaseRecipientsAndWitness(t *testing.T) {
	commitment := "6a24aa21a9ed0000000000000000000000000000000000000000000000000000000000000000"
	builder := &CoinbaseBuilder{
		PoolScript:    []byte{0x51},
		PoolSignature: "/test/",
		Recipients: []coinbaseRecipient{
			{Script: []byte{0x52}, Percent: 1.0},
			{Script: []byte{0x53}, Percent: 0.5},
		},
	}
	tpl := testCoinbaseTemplate()
	tpl.DefaultWitnessCommitment = commitment
	raw := assembleCoinbase(t, builder, tpl)

	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		t.Fatalf("deserialize coinbase: %v", err)
	}
	if len(tx.TxOut) != 4 {
		t.Fatalf("outputs = %d, want 4 (witness + pool + 2 fees)", len(tx.TxOut))
	}
	if tx.TxOut[0].Value != 0 {
		t.Errorf("witness commitment output value = %d, want 0", tx.TxOut[0].Value)
	}
	fee1 := int64(float64(tpl.CoinbaseValue) * 1.0 / 100)
	fee2 := int64(float64(tpl.CoinbaseValue) * 0.5 / 100)
	if tx.TxOut[2].Value != fee1 || tx.TxOut[3].Value != fee2 {
		t.Errorf("fee outputs = %d/%d, want %d/%d", tx.TxOut[2].Value, tx.TxOut[3].Value, fee1, fee2)
	}
	if tx.TxOut[1].Value != tpl.CoinbaseValue-fee1-fee2 {
		t.Errorf("pool output = %d, want remainder %d", tx.TxOut[1].Value, tpl.CoinbaseValue-fee1-fee2)
	}
	total := int64(0)
	for _, o := range tx.TxOut {
		total += o.Value
	}
	if total != tpl.CoinbaseValue {
		t.Errorf("output total = %d, want %d", total, tpl.CoinbaseValue)
	}
}

func TestCoinbaseMasternodePayees(t *testing.T) {
	builder := &CoinbaseBuilder{PoolScript: []byte{0x51}, PoolSignature: "/test/"}
	tpl := testCoinbaseTemplate()
	tpl.MasternodePayments = true
	tpl.Masternode = []GBTPayee{{Script: "51", Amount: 1e8}}
	raw := assembleCoinbase(t, builder, tpl)

	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		t.Fatalf("deserialize coinbase: %v", err)
	}
	if len(tx.TxOut) != 2 {
		t.Fatalf("outputs = %d, want 2", len(tx.TxOut))
	}
	if tx.TxOut[0].Value != tpl.CoinbaseValue-1e8 {
		t.Errorf("pool output = %d", tx.TxOut[0].Value)
	}
	if tx.TxOut[1].Value != 1e8 {
		t.Errorf("payee output = %d", tx.TxOut[1].Value)
	}
}

func TestCoinbasePOSLayout(t *testing.T) {
	builder := &CoinbaseBuilder{PoolScript: []byte{0x51}, Reward: rewardPOS, PoolSignature: "/test/"}
	tpl := testCoinbaseTemplate()
	coinb1, _, err := builder.BuildParts(&tpl, extranoncePlaceholder, "")
	if err != nil {
		t.Fatalf("BuildParts: %v", err)
	}
	if binary.LittleEndian.Uint32(coinb1[0:4]) != 2 {
		t.Errorf("POS tx version = %d, want 2", binary.LittleEndian.Uint32(coinb1[0:4]))
	}
	if got := binary.LittleEndian.Uint32(coinb1[4:8]); got != uint32(tpl.CurTime) {
		t.Errorf("POS timestamp = %d, want %d", got, tpl.CurTime)
	}
}

func TestCoinbaseWorkerLabel(t *testing.T) {
	builder := &CoinbaseBuilder{PoolScript: []byte{0x51}, PoolSignature: "/test/"}
	tpl := testCoinbaseTemplate()
	_, plain, err := builder.BuildParts(&tpl, extranoncePlaceholder, "")
	if err != nil {
		t.Fatal(err)
	}
	_, labeled, err := builder.BuildParts(&tpl, extranoncePlaceholder, "workerA")
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(plain, labeled) {
		t.Error("worker label did not change coinb2")
	}
	if !bytes.Contains(labeled, []byte("workerA")) {
		t.Error("worker label missing from coinb2")
	}
}
