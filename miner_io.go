package main

import (
	"io"
	"strconv"
	"time"
)

func (mc *MinerConn) writeJSON(v any) error {
	b, err := wireJSONMarshal(v)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	return mc.writeBytes(b)
}

func (mc *MinerConn) writeBytes(b []byte) error {
	mc.writeMu.Lock()
	defer mc.writeMu.Unlock()
	if err := mc.conn.SetWriteDeadline(time.Now().Add(stratumWriteTimeout)); err != nil {
		return err
	}
	for len(b) > 0 {
		n, err := mc.conn.Write(b)
		if n > 0 {
			b = b[n:]
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrUnexpectedEOF
		}
	}
	return nil
}

func (mc *MinerConn) writeResponse(resp StratumResponse) {
	if err := mc.writeJSON(resp); err != nil {
		logger.Debug("write error", "remote", mc.id, "error", err)
	}
}

func (mc *MinerConn) writeNotification(method string, params []any) {
	if err := mc.writeJSON(StratumNotification{ID: nil, Method: method, Params: params}); err != nil {
		logger.Debug("write error", "remote", mc.id, "error", err)
	}
}

func (mc *MinerConn) sendSetDifficulty(diff float64) {
	mc.writeNotification("mining.set_difficulty", []any{diff})
}

// writeGetTransactionsResponse keeps the historical quirk of answering
// mining.get_transactions with a bare "error": true so old clients keep
// working.
func (mc *MinerConn) writeGetTransactionsResponse(id any) {
	buf := make([]byte, 0, 64)
	buf = append(buf, `{"id":`...)
	switch v := id.(type) {
	case nil:
		buf = append(buf, "null"...)
	case string:
		buf = strconv.AppendQuote(buf, v)
	case float64:
		buf = strconv.AppendFloat(buf, v, 'g', -1, 64)
	default:
		raw, err := wireJSONMarshal(v)
		if err != nil {
			raw = []byte("null")
		}
		buf = append(buf, raw...)
	}
	buf = append(buf, `,"result":[],"error":true}`...)
	buf = append(buf, '\n')
	if err := mc.writeBytes(buf); err != nil {
		logger.Debug("write error", "remote", mc.id, "error", err)
	}
}
