package rpc

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"
)

type echoParams struct {
	Text string `json:"text"`
}

type echoResult struct {
	Text string `json:"text"`
}

func startTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "test.sock")
	srv := NewServer(socketPath, nil)

	srv.Register("echo", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p echoParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, NewError(CodeInvalidParams, err.Error())
		}
		return echoResult{Text: p.Text}, nil
	})
	srv.Register("boom", func(ctx context.Context, params json.RawMessage) (any, error) {
		return nil, errors.New("kaboom")
	})

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	go func() {
		for {
			if srv.listener != nil {
				close(ready)
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()
	go srv.Serve(ctx)
	<-ready

	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		cancel()
	})

	return srv, socketPath
}

func TestCallRoundTrip(t *testing.T) {
	_, socketPath := startTestServer(t)
	client := NewClient(socketPath)
	defer client.Close()

	var result echoResult
	err := client.Call(context.Background(), "echo", echoParams{Text: "hello"}, &result)
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if result.Text != "hello" {
		t.Errorf("Call() result = %+v, want Text=hello", result)
	}
}

func TestCallMethodNotFound(t *testing.T) {
	_, socketPath := startTestServer(t)
	client := NewClient(socketPath)
	defer client.Close()

	err := client.Call(context.Background(), "nonexistent", struct{}{}, nil)
	rpcErr, ok := AsError(err)
	if !ok {
		t.Fatalf("Call() error = %v, want *Error", err)
	}
	if rpcErr.Code != CodeMethodNotFound {
		t.Errorf("Call() error code = %d, want %d", rpcErr.Code, CodeMethodNotFound)
	}
}

func TestCallHandlerError(t *testing.T) {
	_, socketPath := startTestServer(t)
	client := NewClient(socketPath)
	defer client.Close()

	err := client.Call(context.Background(), "boom", struct{}{}, nil)
	rpcErr, ok := AsError(err)
	if !ok {
		t.Fatalf("Call() error = %v, want *Error", err)
	}
	if rpcErr.Code != CodeInternalError {
		t.Errorf("Call() error code = %d, want %d", rpcErr.Code, CodeInternalError)
	}
}

func TestClientDaemonNotRunning(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "missing.sock")
	client := NewClient(socketPath)
	defer client.Close()

	err := client.Call(context.Background(), "echo", echoParams{Text: "hi"}, nil)
	rpcErr, ok := AsError(err)
	if !ok {
		t.Fatalf("Call() error = %v, want *Error", err)
	}
	if rpcErr.Code != CodeDaemonNotRunning {
		t.Errorf("Call() error code = %d, want %d", rpcErr.Code, CodeDaemonNotRunning)
	}
}

func TestCallSequentialReusesPool(t *testing.T) {
	_, socketPath := startTestServer(t)
	client := NewClient(socketPath)
	defer client.Close()

	for i := 0; i < 10; i++ {
		var result echoResult
		if err := client.Call(context.Background(), "echo", echoParams{Text: "x"}, &result); err != nil {
			t.Fatalf("Call() iteration %d error = %v", i, err)
		}
	}

	client.mu.Lock()
	poolLen := len(client.pool)
	client.mu.Unlock()
	if poolLen == 0 {
		t.Errorf("expected at least one pooled connection after sequential calls")
	}
}

func writeRawFrame(t *testing.T, conn net.Conn, payload []byte) {
	t.Helper()
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))
	if _, err := conn.Write(header); err != nil {
		t.Fatalf("writing frame header: %v", err)
	}
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("writing frame payload: %v", err)
	}
}

func readRawResponse(t *testing.T, conn net.Conn) Response {
	t.Helper()
	var resp Response
	if err := readFrame(conn, &resp); err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	return resp
}

// TestServeConnInvalidJSONKeepsConnectionOpen asserts a malformed-JSON frame
// gets a framed PARSE_ERROR response and the connection stays usable for a
// follow-up request, instead of being dropped.
func TestServeConnInvalidJSONKeepsConnectionOpen(t *testing.T) {
	_, socketPath := startTestServer(t)
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	writeRawFrame(t, conn, []byte("{not json"))
	resp := readRawResponse(t, conn)
	if resp.Error == nil || resp.Error.Code != CodeParseError {
		t.Fatalf("response = %+v, want error code %d", resp, CodeParseError)
	}

	req := Request{ID: "1", Method: "echo", Params: json.RawMessage(`{"text":"still alive"}`)}
	payload, _ := json.Marshal(req)
	writeRawFrame(t, conn, payload)
	resp = readRawResponse(t, conn)
	var result echoResult
	if err := resultAs(resp, &result); err != nil {
		t.Fatalf("resultAs() error = %v", err)
	}
	if result.Text != "still alive" {
		t.Errorf("result = %+v, want Text=still alive", result)
	}
}

// TestServeConnOversizeFrameKeepsConnectionOpen asserts an oversize frame
// gets a framed INVALID_REQUEST response and the connection stays usable.
func TestServeConnOversizeFrameKeepsConnectionOpen(t *testing.T) {
	_, socketPath := startTestServer(t)
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(MaxMessageBytes+1))
	if _, err := conn.Write(header); err != nil {
		t.Fatalf("writing oversize header: %v", err)
	}
	if _, err := conn.Write(make([]byte, MaxMessageBytes+1)); err != nil {
		t.Fatalf("writing oversize payload: %v", err)
	}
	resp := readRawResponse(t, conn)
	if resp.Error == nil || resp.Error.Code != CodeInvalidRequest {
		t.Fatalf("response = %+v, want error code %d", resp, CodeInvalidRequest)
	}

	req := Request{ID: "1", Method: "echo", Params: json.RawMessage(`{"text":"still alive"}`)}
	payload, _ := json.Marshal(req)
	writeRawFrame(t, conn, payload)
	resp = readRawResponse(t, conn)
	var result echoResult
	if err := resultAs(resp, &result); err != nil {
		t.Fatalf("resultAs() error = %v", err)
	}
	if result.Text != "still alive" {
		t.Errorf("result = %+v, want Text=still alive", result)
	}
}
