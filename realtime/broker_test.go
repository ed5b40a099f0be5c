package realtime

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBrokerStreamsFilteredEvents(t *testing.T) {
	b := NewBroker(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		b.Run(ctx)
	}()
	srv := httptest.NewServer(b)
	defer func() {
		cancel()
		<-runDone
		srv.Close()
	}()

	reqCtx, stop := context.WithCancel(context.Background())
	defer stop()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, srv.URL+"?events=gene_changed", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := bufio.NewReader(resp.Body)
	first, err := lines.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": connected\n", first)

	b.Broadcast("outcome_recorded", map[string]string{"id": "o1"})
	b.Broadcast("gene_changed", map[string]string{"id": "g1"})

	var event, data string
	for data == "" {
		line, err := lines.ReadString('\n')
		require.NoError(t, err)
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event: "))
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data: "))
		}
	}
	assert.Equal(t, "gene_changed", event, "filtered events are skipped")

	var got Event
	require.NoError(t, json.Unmarshal([]byte(data), &got))
	assert.Equal(t, "gene_changed", got.Event)
	assert.Equal(t, map[string]interface{}{"id": "g1"}, got.Payload)
	assert.Equal(t, 1, b.Clients())

	stop()
	assert.Eventually(t, func() bool { return b.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestFanout(t *testing.T) {
	var a, b recorded
	Fanout{&a, &b}.Broadcast("x", 1)
	assert.Equal(t, []string{"x"}, a.events)
	assert.Equal(t, []string{"x"}, b.events)
}

type recorded struct{ events []string }

func (r *recorded) Broadcast(event string, _ interface{}) { r.events = append(r.events, event) }

func TestParseFilter(t *testing.T) {
	assert.Nil(t, parseFilter(""))
	assert.Equal(t, map[string]bool{"a": true, "b": true}, parseFilter(" a, ,b"))
}
