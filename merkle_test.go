package main

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func randomHash(t *testing.T) []byte {
	t.Helper()
	h := make([]byte, 32)
	if _, err := rand.Read(h); err != nil {
		t.Fatal(err)
	}
	return h
}

// referenceMerkleRoot computes the root bottom-up with the coinbase hash
// at index 0, duplicating the last element on odd levels.
func referenceMerkleRoot(leaves [][]byte) []byte {
	layer := make([][]byte, len(leaves))
	copy(layer, leaves)
	for len(layer) > 1 {
		if len(layer)%2 == 1 {
			layer = append(layer, layer[len(layer)-1])
		}
		next := make([][]byte, 0, len(layer)/2)
		for i := 0; i+1 < len(layer); i += 2 {
			joined := append(append([]byte{}, layer[i]...), layer[i+1]...)
			next = append(next, doubleSHA256(joined))
		}
		layer = next
	}
	return layer[0]
}

func TestMerkleBranchEmptyForCoinbaseOnly(t *testing.T) {
	branch := buildMerkleBranch(nil)
	if len(branch) != 0 {
		t.Fatalf("expected empty branch, got %d steps", len(branch))
	}
	cb := randomHash(t)
	root := merkleRootWithCoinbase(cb, branch)
	if !bytes.Equal(root, cb) {
		t.Error("coinbase-only root must equal the coinbase hash")
	}
}

func TestMerkleBranchRoundTrip(t *testing.T) {
	for _, txCount := range []int{1, 2, 3, 4, 5, 7, 8, 13} {
		txs := make([][]byte, txCount)
		for i := range txs {
			txs[i] = randomHash(t)
		}
		branch := buildMerkleBranch(txs)
		cb := randomHash(t)

		got := merkleRootWithCoinbase(cb, branch)
		want := referenceMerkleRoot(append([][]byte{cb}, txs...))
		if !bytes.Equal(got, want) {
			t.Errorf("txCount=%d: branch root mismatch", txCount)
		}
	}
}

func TestMerkleRootRejectsBadStep(t *testing.T) {
	if merkleRootWithCoinbase(randomHash(t), [][]byte{{0x01}}) != nil {
		t.Error("expected nil root for malformed step")
	}
}
