package uds

import (
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func setupTestServer(t *testing.T) (*Server, *Client) {
	t.Helper()
	// Use /tmp directly to avoid macOS Unix socket path length limit (104 bytes)
	dir, err := os.MkdirTemp("/tmp", "dispatch-uds-test-*")
	if err != nil {
		t.Fatalf("create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	sockPath := filepath.Join(dir, "d.sock")

	server := NewServer(sockPath)
	client := NewClient(sockPath)
	client.SetTimeout(5 * time.Second)

	return server, client
}

func TestFraming_RoundTrip(t *testing.T) {
	dir, err := os.MkdirTemp("/tmp", "dispatch-uds-*")
	if err != nil {
		t.Fatalf("create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	sockPath := filepath.Join(dir, "f.sock")

	listener, err := net.Listen("unix", sockPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		var req Request
		if err := ReadFrame(conn, &req); err != nil {
			t.Errorf("server ReadFrame: %v", err)
			return
		}
		if req.Command != "ping" {
			t.Errorf("command = %q, want ping", req.Command)
		}
		if req.ProtocolVersion != ProtocolVersion {
			t.Errorf("protocol_version = %d, want %d", req.ProtocolVersion, ProtocolVersion)
		}

		if err := WriteFrame(conn, SuccessResponse(map[string]string{"result": "ok"})); err != nil {
			t.Errorf("server WriteFrame: %v", err)
		}
	}()

	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	req, err := NewRequest("ping", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if err := WriteFrame(conn, req); err != nil {
		t.Fatalf("client WriteFrame: %v", err)
	}

	var resp Response
	if err := ReadFrame(conn, &resp); err != nil {
		t.Fatalf("client ReadFrame: %v", err)
	}
	if !resp.Success {
		t.Error("response not successful")
	}

	var data map[string]string
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if data["result"] != "ok" {
		t.Errorf("result = %q, want ok", data["result"])
	}
	<-done
}

func TestServerClient_Command(t *testing.T) {
	server, client := setupTestServer(t)

	server.Handle("echo", func(req *Request) *Response {
		var params map[string]string
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return ErrorResponse(ErrCodeValidation, err.Error())
		}
		return SuccessResponse(params)
	})

	if err := server.Start(); err != nil {
		t.Fatalf("server Start: %v", err)
	}
	defer func() { _ = server.Stop() }()

	resp, err := client.SendCommand("echo", map[string]string{"msg": "hello"})
	if err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	if !resp.Success {
		t.Fatalf("response error: %+v", resp.Error)
	}

	var data map[string]string
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if data["msg"] != "hello" {
		t.Errorf("msg = %q, want hello", data["msg"])
	}
}

func TestServer_UnknownCommand(t *testing.T) {
	server, client := setupTestServer(t)

	if err := server.Start(); err != nil {
		t.Fatalf("server Start: %v", err)
	}
	defer func() { _ = server.Stop() }()

	resp, err := client.SendCommand("nope", nil)
	if err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	if resp.Success {
		t.Fatal("unknown command succeeded")
	}
	if resp.Error.Code != ErrCodeUnknownCommand {
		t.Errorf("code = %s, want %s", resp.Error.Code, ErrCodeUnknownCommand)
	}
}

func TestServer_ProtocolMismatch(t *testing.T) {
	server, client := setupTestServer(t)

	if err := server.Start(); err != nil {
		t.Fatalf("server Start: %v", err)
	}
	defer func() { _ = server.Stop() }()

	resp, err := client.Send(&Request{ProtocolVersion: 99, Command: "ping"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.Success || resp.Error.Code != ErrCodeProtocolMismatch {
		t.Errorf("expected PROTOCOL_MISMATCH, got %+v", resp)
	}
}

func TestServer_StreamHandler(t *testing.T) {
	server, client := setupTestServer(t)

	server.HandleStream("subscribe", func(req *Request, conn net.Conn) {
		// Ack plus two events, then hold until the client hangs up.
		_ = WriteFrame(conn, SuccessResponse(map[string]string{"status": "subscribed"}))
		_ = WriteFrame(conn, SuccessResponse(map[string]string{"event": "one"}))
		_ = WriteFrame(conn, SuccessResponse(map[string]string{"event": "two"}))

		buf := make([]byte, 1)
		_, _ = conn.Read(buf)
	})

	if err := server.Start(); err != nil {
		t.Fatalf("server Start: %v", err)
	}
	defer func() { _ = server.Stop() }()

	conn, err := client.Subscribe("subscribe", map[string]string{"mentor_id": "mentor_a"})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer conn.Close()

	var frames []string
	for i := 0; i < 3; i++ {
		var resp Response
		if err := ReadFrame(conn, &resp); err != nil {
			t.Fatalf("ReadFrame %d: %v", i, err)
		}
		frames = append(frames, string(resp.Data))
	}

	if !strings.Contains(frames[0], "subscribed") {
		t.Errorf("first frame should be the ack, got %s", frames[0])
	}
	if !strings.Contains(frames[1], "one") || !strings.Contains(frames[2], "two") {
		t.Errorf("event frames wrong: %v", frames[1:])
	}
}

func TestServer_StaleSocketRemoved(t *testing.T) {
	server, client := setupTestServer(t)

	// A crashed daemon leaves the socket file behind.
	if err := os.WriteFile(server.socketPath, []byte{}, 0600); err != nil {
		t.Fatalf("plant stale socket: %v", err)
	}

	server.Handle("ping", func(req *Request) *Response {
		return SuccessResponse(map[string]string{"status": "ok"})
	})
	if err := server.Start(); err != nil {
		t.Fatalf("Start over stale socket: %v", err)
	}
	defer func() { _ = server.Stop() }()

	if _, err := client.SendCommand("ping", nil); err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
}

func TestClient_NoDaemon(t *testing.T) {
	_, client := setupTestServer(t)

	_, err := client.SendCommand("ping", nil)
	if err == nil {
		t.Fatal("expected connection error with no daemon")
	}
	if !strings.Contains(err.Error(), "daemon") {
		t.Errorf("error should mention the daemon: %v", err)
	}
}
