package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

const (
	p2pProtocolVersion = 70012
	p2pUserAgent       = "/stratumpool:1.0.0/"
	p2pInvTypeBlock    = 2
	p2pReadBufferSize  = 1 << 16
)

// P2PClient keeps a single peer connection to the coin network and watches
// inv messages for new block hashes. It is a block-change signal only; no
// transaction relay.
type P2PClient struct {
	cfg     P2PConfig
	magic   [4]byte
	onBlock func(hash string)
}

func NewP2PClient(cfg P2PConfig, magicHex string, onBlock func(hash string)) (*P2PClient, error) {
	raw, err := hex.DecodeString(magicHex)
	if err != nil || len(raw) != 4 {
		return nil, fmt.Errorf("invalid peer magic %q", magicHex)
	}
	c := &P2PClient{cfg: cfg, onBlock: onBlock}
	copy(c.magic[:], raw)
	return c, nil
}

// Start dials the peer and processes messages until ctx is done,
// reconnecting with backoff on socket errors.
func (c *P2PClient) Start(ctx context.Context) {
	addr := net.JoinHostPort(c.cfg.Host, fmt.Sprintf("%d", c.cfg.Port))
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := (&net.Dialer{Timeout: 10 * time.Second}).DialContext(ctx, "tcp", addr)
		if err != nil {
			logger.Warn("p2p connect failed", "addr", addr, "error", err)
			if sleepContext(ctx, backoff) != nil {
				return
			}
			if backoff < time.Minute {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second
		logger.Info("p2p connected", "addr", addr)
		if err := c.run(ctx, conn); err != nil && ctx.Err() == nil {
			logger.Warn("p2p connection lost", "addr", addr, "error", err)
		}
		_ = conn.Close()
	}
}

func (c *P2PClient) run(ctx context.Context, conn net.Conn) error {
	if err := c.sendVersion(conn); err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	reader := newP2PReader(conn)
	connected := false
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		command, payload, err := reader.readMessage(c.magic)
		if err != nil {
			if errors.Is(err, errBadChecksum) {
				logger.Warn("p2p checksum mismatch; dropping message", "command", command)
				continue
			}
			return err
		}
		switch command {
		case "version":
			if err := c.sendMessage(conn, "verack", nil); err != nil {
				return err
			}
		case "verack":
			connected = true
			logger.Info("p2p handshake complete")
		case "ping":
			if err := c.sendMessage(conn, "pong", payload); err != nil {
				return err
			}
		case "inv":
			if !connected {
				continue
			}
			c.handleInv(payload)
		}
	}
}

func (c *P2PClient) handleInv(payload []byte) {
	count, n, err := readVarInt(payload)
	if err != nil {
		return
	}
	offset := n
	for i := uint64(0); i < count; i++ {
		if offset+36 > len(payload) {
			return
		}
		invType := binary.LittleEndian.Uint32(payload[offset : offset+4])
		if invType == p2pInvTypeBlock {
			hash := hex.EncodeToString(reverseBytes(payload[offset+4 : offset+36]))
			logger.Info("p2p block notification", "hash", hash)
			if c.onBlock != nil {
				c.onBlock(hash)
			}
		}
		offset += 36
	}
}

func (c *P2PClient) sendVersion(conn net.Conn) error {
	var payload bytes.Buffer
	var u32 [4]byte
	var u64 [8]byte

	binary.LittleEndian.PutUint32(u32[:], p2pProtocolVersion)
	payload.Write(u32[:])
	binary.LittleEndian.PutUint64(u64[:], 0) // services: none
	payload.Write(u64[:])
	binary.LittleEndian.PutUint64(u64[:], uint64(time.Now().Unix()))
	payload.Write(u64[:])
	payload.Write(make([]byte, 26)) // addr_recv
	payload.Write(make([]byte, 26)) // addr_from
	var nonce [8]byte
	_, _ = rand.Read(nonce[:])
	payload.Write(nonce[:])
	payload.Write(varStringBytes(p2pUserAgent))
	binary.LittleEndian.PutUint32(u32[:], 0) // start height
	payload.Write(u32[:])
	relay := byte(1)
	if c.cfg.DisableTransactions {
		relay = 0
	}
	payload.WriteByte(relay)

	return c.sendMessage(conn, "version", payload.Bytes())
}

func (c *P2PClient) sendMessage(conn net.Conn, command string, payload []byte) error {
	var header [24]byte
	copy(header[0:4], c.magic[:])
	copy(header[4:16], command)
	binary.LittleEndian.PutUint32(header[16:20], uint32(len(payload)))
	copy(header[20:24], doubleSHA256(payload)[:4])

	if err := conn.SetWriteDeadline(time.Now().Add(30 * time.Second)); err != nil {
		return err
	}
	if _, err := conn.Write(header[:]); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := conn.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

var errBadChecksum = errors.New("p2p payload checksum mismatch")

type p2pReader struct {
	conn io.Reader
	buf  []byte
}

func newP2PReader(conn io.Reader) *p2pReader {
	return &p2pReader{conn: conn}
}

// readMessage parses the 24-byte header, scanning forward to the next
// magic occurrence when the stream is out of alignment, then reads and
// checksums the payload.
func (r *p2pReader) readMessage(magic [4]byte) (string, []byte, error) {
	if err := r.resyncToMagic(magic); err != nil {
		return "", nil, err
	}
	if err := r.fill(24); err != nil {
		return "", nil, err
	}
	command := string(bytes.TrimRight(r.buf[4:16], "\x00"))
	length := binary.LittleEndian.Uint32(r.buf[16:20])
	var checksum [4]byte
	copy(checksum[:], r.buf[20:24])

	if length > p2pReadBufferSize*16 {
		r.buf = r.buf[:0]
		return command, nil, fmt.Errorf("p2p payload too large: %d", length)
	}
	if err := r.fill(24 + int(length)); err != nil {
		return command, nil, err
	}
	payload := append([]byte(nil), r.buf[24:24+length]...)
	r.buf = r.buf[24+length:]

	if !bytes.Equal(doubleSHA256(payload)[:4], checksum[:]) {
		return command, nil, errBadChecksum
	}
	return command, payload, nil
}

func (r *p2pReader) resyncToMagic(magic [4]byte) error {
	for {
		if err := r.fill(4); err != nil {
			return err
		}
		if idx := bytes.Index(r.buf, magic[:]); idx >= 0 {
			if idx > 0 {
				logger.Warn("p2p stream out of sync; skipping", "bytes", idx)
				r.buf = r.buf[idx:]
			}
			return nil
		}
		// Keep the last three bytes in case the magic straddles reads.
		if len(r.buf) > 3 {
			r.buf = r.buf[len(r.buf)-3:]
		}
		if err := r.readMore(); err != nil {
			return err
		}
	}
}

func (r *p2pReader) fill(n int) error {
	for len(r.buf) < n {
		if err := r.readMore(); err != nil {
			return err
		}
	}
	return nil
}

func (r *p2pReader) readMore() error {
	chunk := make([]byte, 4096)
	n, err := r.conn.Read(chunk)
	if n > 0 {
		r.buf = append(r.buf, chunk[:n]...)
	}
	if err != nil && n == 0 {
		return err
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
