package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mailsync/internal/config"
	"github.com/brandon/mailsync/internal/daemon"
	"github.com/brandon/mailsync/internal/email"
	"github.com/brandon/mailsync/internal/notify"
	"github.com/brandon/mailsync/internal/store/storetest"
	"github.com/brandon/mailsync/internal/tools"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Lines(t *testing.T) []map[string]interface{} {
	t.Helper()
	b.mu.Lock()
	data := b.buf.String()
	b.mu.Unlock()

	var out []map[string]interface{}
	sc := bufio.NewScanner(strings.NewReader(data))
	for sc.Scan() {
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		out = append(out, m)
	}
	return out
}

func newTestServer(t *testing.T, in io.Reader, hub *notify.Hub) (*Server, *syncBuffer) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	st := storetest.NewTestStore(t)
	storetest.SeedAccount(t, st, "work")
	manager := daemon.NewManager(&config.Config{}, st, notify.Nop{}, email.NewStager(t.TempDir(), logger), nil, logger)

	out := &syncBuffer{}
	return NewServer(tools.NewRegistry(manager, st, logger), hub, in, out, logger), out
}

func TestServerHandlesRequests(t *testing.T) {
	in := strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}
{"jsonrpc":"2.0","method":"notifications/initialized"}
{"jsonrpc":"2.0","id":2,"method":"tools/list"}
{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"list_accounts","arguments":{}}}
{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"nope"}}
{"jsonrpc":"2.0","id":5,"method":"resources/list"}
{"jsonrpc":"2.0","id":6,"method":"tools/call","params":{"name":"get_email","arguments":{"email_id":"abc"}}}
`)
	s, out := newTestServer(t, in, nil)
	require.NoError(t, s.Run(context.Background()))

	lines := out.Lines(t)
	require.Len(t, lines, 6, "the notification gets no response")

	hello := lines[0]["result"].(map[string]interface{})
	assert.Equal(t, "mailsync", hello["serverInfo"].(map[string]interface{})["name"])

	list := lines[1]["result"].(map[string]interface{})["tools"].([]interface{})
	var names []string
	for _, tool := range list {
		names = append(names, tool.(map[string]interface{})["name"].(string))
	}
	assert.Equal(t, []string{
		"get_email", "list_accounts", "list_emails", "list_folders", "move_email",
		"move_folder", "reconfigure_account", "reload_email", "set_read_state",
	}, names)

	content := lines[2]["result"].(map[string]interface{})["content"].([]interface{})
	text := content[0].(map[string]interface{})["text"].(string)
	var accounts []map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(text), &accounts))
	require.Len(t, accounts, 1)
	assert.Equal(t, "work", accounts[0]["name"])
	assert.Equal(t, "stopped", accounts[0]["status"])

	assert.EqualValues(t, -32601, lines[3]["error"].(map[string]interface{})["code"])
	assert.EqualValues(t, -32601, lines[4]["error"].(map[string]interface{})["code"])
	assert.EqualValues(t, -32603, lines[5]["error"].(map[string]interface{})["code"])
	assert.EqualValues(t, 6, lines[5]["id"])
}

func TestServerForwardsEvents(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	hub := notify.NewHub(logger)

	r, w := io.Pipe()
	s, out := newTestServer(t, r, hub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// the subscription exists once the server answers its first request
	_, err := w.Write([]byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}` + "\n"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(out.Lines(t)) == 1 }, time.Second, 5*time.Millisecond)

	hub.Publish(notify.MessageChanged{MessageID: 42})
	require.Eventually(t, func() bool { return len(out.Lines(t)) == 2 }, time.Second, 5*time.Millisecond)

	ev := out.Lines(t)[1]
	assert.Equal(t, "notifications/mailsync/changed", ev["method"])
	params := ev["params"].(map[string]interface{})
	assert.Equal(t, "message_changed", params["type"])
	assert.EqualValues(t, 42, params["message_id"])

	cancel()
	require.NoError(t, <-done)
	w.Close() //nolint:errcheck
}
