package e2e

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

func TestSmokeFlow(t *testing.T) {
	home := t.TempDir()
	binaryPath := buildBinary(t)
	server := newBoardServer(t)

	_, stderr, err := runTsync(t, binaryPath, home, server.URL, "login", "--email", "ada@example.com", "--password", "secret")
	require.NoError(t, err, "stderr: %s", stderr)

	stdout, stderr, err := runTsync(t, binaryPath, home, server.URL, "tasks", "list", "--project", "3")
	require.NoError(t, err, "stderr: %s", stderr)
	assert.Contains(t, stdout, "Project #3")
	assert.Contains(t, stdout, "#11 Write docs")
}

func TestWatchShowsPushedNotification(t *testing.T) {
	home := t.TempDir()
	binaryPath := buildBinary(t)
	server := newBoardServer(t)

	_, stderr, err := runTsync(t, binaryPath, home, server.URL, "login", "--email", "ada@example.com", "--password", "secret")
	require.NoError(t, err, "stderr: %s", stderr)

	cmd := exec.Command(binaryPath, "watch", "--project", "3")
	cmd.Env = tsyncEnv(home, server.URL)
	stdout := &syncBuffer{}
	cmd.Stdout = stdout
	cmd.Stderr = &bytes.Buffer{}
	require.NoError(t, cmd.Start())
	t.Cleanup(func() { _ = cmd.Process.Kill() })

	require.Eventually(t, func() bool {
		return strings.Contains(stdout.String(), "Pushed hello")
	}, 10*time.Second, 50*time.Millisecond, "stdout: %s", stdout.String())
	assert.Contains(t, stdout.String(), "push: connected")

	require.NoError(t, cmd.Process.Signal(os.Interrupt))
	require.NoError(t, cmd.Wait())
}

func newBoardServer(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/login", func(w http.ResponseWriter, r *http.Request) {
		writeBody(w, `{"access_token":"access-1","refresh_token":"refresh-1","user":{"id":1,"email":"ada@example.com","username":"ada"}}`)
	})
	mux.HandleFunc("GET /projects/3/tasks", func(w http.ResponseWriter, r *http.Request) {
		writeBody(w, `{"tasks":[{"id":11,"project_id":3,"title":"Write docs","status":"todo"}],"total":1}`)
	})
	mux.HandleFunc("GET /api/notifications", func(w http.ResponseWriter, r *http.Request) {
		writeBody(w, `{"notifications":[]}`)
	})
	mux.HandleFunc("GET /ws", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer access-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()

		ctx := r.Context()
		var join map[string]any
		if err := wsjson.Read(ctx, conn, &join); err != nil {
			return
		}
		_ = wsjson.Write(ctx, conn, map[string]any{
			"eventName": "notification",
			"data": map[string]any{
				"id":         9,
				"title":      "Pushed hello",
				"created_at": time.Now().UTC().Format(time.RFC3339),
			},
		})
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func writeBody(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(body))
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func buildBinary(t *testing.T) string {
	t.Helper()

	binaryPath := filepath.Join(t.TempDir(), "tsync-e2e")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	cmd := exec.CommandContext(ctx, "go", "build", "-o", binaryPath, "./cmd/tsync")
	cmd.Dir = repoRoot(t)

	output, err := cmd.CombinedOutput()
	require.NoError(t, err, "build tsync binary: %s", string(output))
	return binaryPath
}

func tsyncEnv(home string, serverURL string) []string {
	return append(os.Environ(),
		"HOME="+home,
		"TSYNC_BASE_URL="+serverURL+"/",
		"TSYNC_PUSH_URL="+serverURL+"/ws",
	)
}

func runTsync(t *testing.T, binaryPath, home, serverURL string, args ...string) (string, string, error) {
	t.Helper()

	cmd := exec.Command(binaryPath, args...)
	cmd.Env = tsyncEnv(home, serverURL)

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

func repoRoot(t *testing.T) string {
	t.Helper()

	wd, err := os.Getwd()
	require.NoError(t, err)
	return filepath.Clean(filepath.Join(wd, "..", ".."))
}
