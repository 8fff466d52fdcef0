package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
)

func daemonConfigForServer(t *testing.T, ts *httptest.Server) DaemonConfig {
	t.Helper()
	u, err := url.Parse(ts.URL)
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatal(err)
	}
	return DaemonConfig{Host: u.Hostname(), Port: port, User: "user", Pass: "pass"}
}

func TestDaemonClientWhitelist(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("request must never reach the daemon")
	}))
	defer ts.Close()

	c := NewDaemonClient(daemonConfigForServer(t, ts), nil)
	err := c.Call(context.Background(), "stop", nil, nil)
	if !errors.Is(err, errMethodNotAllowed) {
		t.Fatalf("expected whitelist rejection, got %v", err)
	}
}

func TestDaemonClientBasicAuthAndNaNCoercion(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "user" || pass != "pass" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		body, _ := io.ReadAll(r.Body)
		var req rpcRequest
		if err := json.Unmarshal(body, &req); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		// Emit the ":-nan" some daemons produce for difficulty fields.
		w.Write([]byte(`{"result":{"difficulty":-nan,"blocks":100},"error":null,"id":` + strconv.Itoa(req.ID) + `}`))
	}))
	defer ts.Close()

	c := NewDaemonClient(daemonConfigForServer(t, ts), nil)
	var out struct {
		Difficulty float64 `json:"difficulty"`
		Blocks     int     `json:"blocks"`
	}
	if err := c.Call(context.Background(), "getmininginfo", []any{}, &out); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if out.Difficulty != 0 || out.Blocks != 100 {
		t.Errorf("decoded %+v, want coerced difficulty 0", out)
	}
}

func TestDaemonClientRPCErrorSurfaced(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req rpcRequest
		_ = json.Unmarshal(body, &req)
		w.Write([]byte(`{"result":null,"error":{"code":-10,"message":"Bitcoin is downloading blocks..."},"id":` + strconv.Itoa(req.ID) + `}`))
	}))
	defer ts.Close()

	c := NewDaemonClient(daemonConfigForServer(t, ts), nil)
	err := c.Call(context.Background(), "getblocktemplate", []any{}, nil)
	var rpcErr *rpcError
	if !errors.As(err, &rpcErr) || rpcErr.Code != rpcErrCodeUnsynced {
		t.Fatalf("expected rpc error -10, got %v", err)
	}
}

func TestDaemonClientBatchOrderAndUniqueIDs(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var reqs []rpcRequest
		if err := json.Unmarshal(body, &reqs); err != nil {
			t.Fatalf("batch body: %v", err)
		}
		seen := make(map[int]bool)
		for _, req := range reqs {
			if seen[req.ID] {
				t.Errorf("duplicate request id %d in batch", req.ID)
			}
			seen[req.ID] = true
		}
		// Answer out of order; the client must restore request order.
		out := `[`
		for i := len(reqs) - 1; i >= 0; i-- {
			out += `{"result":"` + reqs[i].Method + `","error":null,"id":` + strconv.Itoa(reqs[i].ID) + `}`
			if i > 0 {
				out += `,`
			}
		}
		out += `]`
		w.Write([]byte(out))
	}))
	defer ts.Close()

	c := NewDaemonClient(daemonConfigForServer(t, ts), nil)
	resps, err := c.CallBatch(context.Background(), []rpcRequest{
		{Method: "getdifficulty", Params: []any{}},
		{Method: "getmininginfo", Params: []any{}},
	})
	if err != nil {
		t.Fatalf("CallBatch: %v", err)
	}
	if len(resps) != 2 {
		t.Fatalf("responses = %d", len(resps))
	}
	var m0, m1 string
	_ = json.Unmarshal(resps[0].Result, &m0)
	_ = json.Unmarshal(resps[1].Result, &m1)
	if m0 != "getdifficulty" || m1 != "getmininginfo" {
		t.Errorf("batch order lost: %q, %q", m0, m1)
	}
}

func TestSanitizeRPCBody(t *testing.T) {
	in := []byte(`{"difficulty":-nan,"x":1}`)
	out := sanitizeRPCBody(in)
	if string(out) != `{"difficulty":0,"x":1}` {
		t.Errorf("sanitized = %s", out)
	}
	clean := []byte(`{"x":1}`)
	if string(sanitizeRPCBody(clean)) != `{"x":1}` {
		t.Error("clean body modified")
	}
}
