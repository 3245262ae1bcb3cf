package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/felixgeelhaar/conductor/internal/protocol"
	"github.com/gorilla/websocket"
)

// freePort asks the kernel for an unused port. There is a small window
// between closing the probe listener and the server binding it, which is
// acceptable for a test.
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to probe for a free port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func waitHealthy(t *testing.T, baseURL string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(baseURL + "/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("Server never became healthy")
}

func TestE2E_MessageRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e test in short mode")
	}

	// 1. Build the binary.
	rootDir, _ := filepath.Abs("../../")
	binPath := filepath.Join(rootDir, "conductor_e2e")

	buildCmd := exec.Command("go", "build", "-o", binPath, "github.com/felixgeelhaar/conductor/cmd/conductor")
	buildCmd.Dir = rootDir
	if out, err := buildCmd.CombinedOutput(); err != nil {
		t.Fatalf("Failed to build conductor: %v\n%s", err, out)
	}
	defer os.Remove(binPath)

	// 2. Run the server against a fresh HOME so it gets its own database.
	tmpDir, _ := os.MkdirTemp("", "conductor-e2e-*")
	defer os.RemoveAll(tmpDir)

	port := freePort(t)
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	baseURL := "http://" + addr

	serveCmd := exec.Command(binPath, "serve", "--listen", addr)
	serveCmd.Env = append(os.Environ(), "HOME="+tmpDir)
	if err := serveCmd.Start(); err != nil {
		t.Fatalf("Failed to start conductor: %v", err)
	}
	defer func() {
		serveCmd.Process.Kill()
		serveCmd.Wait()
	}()

	waitHealthy(t, baseURL)

	// 3. Connect a scripted extension and register a tab.
	wsConn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to dial websocket: %v", err)
	}
	defer wsConn.Close()

	readEnvelope := func() protocol.Envelope {
		wsConn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, data, err := wsConn.ReadMessage()
		if err != nil {
			t.Fatalf("Failed to read envelope: %v", err)
		}
		env, err := protocol.Decode(data)
		if err != nil {
			t.Fatalf("Failed to decode envelope: %v", err)
		}
		return env
	}
	writeEnvelope := func(env protocol.Envelope) {
		data, _ := protocol.Encode(env)
		if err := wsConn.WriteMessage(websocket.TextMessage, data); err != nil {
			t.Fatalf("Failed to write envelope: %v", err)
		}
	}

	if env := readEnvelope(); env.Type != protocol.MessageTypeWelcome {
		t.Fatalf("Expected welcome, got %s", env.Type)
	}

	register := protocol.NewEnvelope(protocol.MessageTypeRegister)
	register.TabID = 7
	register.URL = "https://example.com/chat"
	register.Capabilities = []string{"dom", "forms"}
	writeEnvelope(register)

	// The registration is processed asynchronously; wait for it to show up.
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(baseURL + "/extensions")
		if err == nil {
			var infos []map[string]interface{}
			json.NewDecoder(resp.Body).Decode(&infos)
			resp.Body.Close()
			if len(infos) == 1 {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatal("Extension never registered")
		}
		time.Sleep(20 * time.Millisecond)
	}

	// 4. The extension answers the next request it receives.
	go func() {
		req := readEnvelope()
		resp := protocol.NewEnvelope(protocol.MessageTypeResponse)
		resp.CorrelationID = req.CorrelationID
		resp.Data = map[string]interface{}{"success": true, "text": "filled"}
		writeEnvelope(resp)
	}()

	// 5. A caller posts a command and gets the extension's result back.
	body, _ := json.Marshal(map[string]interface{}{
		"tabId":      7,
		"FILL_FIELD": map[string]interface{}{"value": "hello world"},
	})
	resp, err := http.Post(baseURL+"/message", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /message failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	var result map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&result)
	if result["success"] != true || result["text"] != "filled" {
		t.Errorf("Unexpected result: %v", result)
	}
}
