package main

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"strings"
	"sync"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

func testBuilder() *CoinbaseBuilder {
	return &CoinbaseBuilder{PoolScript: []byte{0x51}, PoolSignature: "/test/"}
}

func newTestTemplate(t *testing.T, tpl GetBlockTemplateResult) *BlockTemplate {
	t.Helper()
	job, err := NewBlockTemplate("1", tpl, testBuilder(), 0)
	if err != nil {
		t.Fatalf("NewBlockTemplate: %v", err)
	}
	return job
}

func TestSerializeHeaderLayout(t *testing.T) {
	tpl := testCoinbaseTemplate()
	job := newTestTemplate(t, tpl)

	rootHex := strings.Repeat("11223344", 8)
	hdr, err := job.SerializeHeader(rootHex, "5e4a4c3b", "12345678", 0x20000000)
	if err != nil {
		t.Fatalf("SerializeHeader: %v", err)
	}
	if len(hdr) != 80 {
		t.Fatalf("header length = %d, want 80", len(hdr))
	}
	if got := binary.LittleEndian.Uint32(hdr[0:4]); got != 0x20000000 {
		t.Errorf("version at offset 0 = %#x", got)
	}
	prevBytes, _ := hex.DecodeString(tpl.Previous)
	if !bytes.Equal(hdr[4:36], reverseBytes(prevBytes)) {
		t.Error("prevhash at offset 4 not in internal byte order")
	}
	rootBytes, _ := hex.DecodeString(rootHex)
	if !bytes.Equal(hdr[36:68], reverseBytes(rootBytes)) {
		t.Error("merkle root at offset 36 not reversed")
	}
	if got := binary.LittleEndian.Uint32(hdr[68:72]); got != 0x5e4a4c3b {
		t.Errorf("ntime at offset 68 = %#x", got)
	}
	if got := binary.LittleEndian.Uint32(hdr[72:76]); got != 0x1d00ffff {
		t.Errorf("bits at offset 72 = %#x", got)
	}
	if got := binary.LittleEndian.Uint32(hdr[76:80]); got != 0x12345678 {
		t.Errorf("nonce at offset 76 = %#x", got)
	}

	// The canonical layout must parse as a wire block header.
	var parsed wire.BlockHeader
	if err := parsed.Deserialize(bytes.NewReader(hdr)); err != nil {
		t.Fatalf("wire header deserialize: %v", err)
	}
	if parsed.Timestamp.Unix() != 0x5e4a4c3b || parsed.Nonce != 0x12345678 {
		t.Error("wire header fields mismatch")
	}
}

func TestRegisterSubmitDuplicates(t *testing.T) {
	job := newTestTemplate(t, testCoinbaseTemplate())

	if !job.RegisterSubmit("01000000", "00000000", "5e4a4c3b", "12345678") {
		t.Fatal("first submission must register")
	}
	// Case-insensitive duplicate.
	if job.RegisterSubmit("01000000", "00000000", "5E4A4C3B", "12345678") {
		t.Fatal("duplicate submission must be rejected")
	}
	if !job.RegisterSubmit("01000000", "00000001", "5e4a4c3b", "12345678") {
		t.Fatal("distinct extranonce2 must register")
	}

	// Arbitrary interleaving: exactly one goroutine wins each tuple.
	var wg sync.WaitGroup
	wins := make(chan bool, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			wins <- job.RegisterSubmit("02000000", "00000000", "5e4a4c3b", "9999aaaa")
		}()
	}
	wg.Wait()
	close(wins)
	won := 0
	for w := range wins {
		if w {
			won++
		}
	}
	if won != 1 {
		t.Errorf("concurrent registers: %d wins, want exactly 1", won)
	}
}

func TestJobParamsShape(t *testing.T) {
	tpl := testCoinbaseTemplate()
	job := newTestTemplate(t, tpl)

	params := job.JobParams()
	if len(params) != 9 {
		t.Fatalf("job params length = %d, want 9", len(params))
	}
	if params[0] != job.JobID {
		t.Error("params[0] must be the job id")
	}
	prevBytes, _ := hex.DecodeString(tpl.Previous)
	wantPrev := hex.EncodeToString(reverseU32Words(prevBytes))
	if params[1] != wantPrev {
		t.Errorf("params[1] = %v, want word-reversed prevhash %s", params[1], wantPrev)
	}
	if params[2] != hex.EncodeToString(job.Coinb1) || params[3] != hex.EncodeToString(job.Coinb2) {
		t.Error("coinbase parts mismatch")
	}
	if params[5] != "20000000" {
		t.Errorf("params[5] version = %v", params[5])
	}
	if params[6] != tpl.Bits {
		t.Errorf("params[6] bits = %v", params[6])
	}
	if params[7] != uint32ToBEHex(uint32(tpl.CurTime)) {
		t.Errorf("params[7] ntime = %v", params[7])
	}
	if params[8] != true {
		t.Error("params[8] clean_jobs must default to true")
	}
}

func TestSerializeBlockRoundTrip(t *testing.T) {
	// Build a throwaway transaction so the block carries a non-coinbase tx.
	extraTx := wire.NewMsgTx(1)
	var prevOut chainhash.Hash
	prevOut[0] = 0x42
	extraTx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&prevOut, 0), []byte{0x51}, nil))
	extraTx.AddTxOut(wire.NewTxOut(1e8, []byte{0x51}))
	var txBuf bytes.Buffer
	if err := extraTx.Serialize(&txBuf); err != nil {
		t.Fatal(err)
	}
	txid := extraTx.TxHash()

	tpl := testCoinbaseTemplate()
	tpl.Transactions = []GBTTransaction{{
		Data: hex.EncodeToString(txBuf.Bytes()),
		Txid: txid.String(),
	}}
	job := newTestTemplate(t, tpl)

	en1 := []byte{0x01, 0x02, 0x03, 0x04}
	en2 := []byte{0x00, 0x00, 0x00, 0x00}
	coinbase := job.SerializeCoinbase(en1, en2)
	coinbaseHash := doubleSHA256(coinbase)
	rootHex := hex.EncodeToString(reverseBytes(merkleRootWithCoinbase(coinbaseHash, job.MerkleBranch)))

	header, err := job.SerializeHeader(rootHex, uint32ToBEHex(uint32(tpl.CurTime)), "00000001", uint32(tpl.Version))
	if err != nil {
		t.Fatal(err)
	}
	block := job.SerializeBlock(header, coinbase)

	var parsed wire.MsgBlock
	if err := parsed.Deserialize(bytes.NewReader(block)); err != nil {
		t.Fatalf("wire block deserialize: %v", err)
	}
	if len(parsed.Transactions) != 2 {
		t.Fatalf("block tx count = %d, want 2", len(parsed.Transactions))
	}
	if parsed.Transactions[1].TxHash() != txid {
		t.Error("non-coinbase txid mismatch after round trip")
	}
	// The header's merkle root must match the branch-folded root.
	if parsed.Header.MerkleRoot.String() != rootHex {
		t.Errorf("header merkle root %s != %s", parsed.Header.MerkleRoot.String(), rootHex)
	}
}

func TestTargetPreferredOverBits(t *testing.T) {
	tpl := testCoinbaseTemplate()
	tpl.Target = strings.Repeat("f", 64)
	job := newTestTemplate(t, tpl)
	if job.Target.Hex() != strings.Repeat("f", 64) {
		t.Errorf("explicit target ignored: %s", job.Target.Hex())
	}
}
