package reportchannel

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeedStreamsChannelMessages(t *testing.T) {
	bus := NewBus()
	server := httptest.NewServer(FeedHandler(bus, nil))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + FeedPathPrefix + "run1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return bus.SubscriberCount("run1") == 1 },
		time.Second, time.Millisecond*10)

	sender := bus.Open("run1")
	defer sender.Close()
	require.NoError(t, sender.Publish(testMessage(1)))
	require.NoError(t, sender.Publish(NewBatchReportMessage(BatchReport{Location: "loc"})))

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	var m1, m2 Message
	require.NoError(t, conn.ReadJSON(&m1))
	require.NoError(t, conn.ReadJSON(&m2))
	assert.Equal(t, TypeTestReport, m1.Type)
	assert.Equal(t, TypeBatchReport, m2.Type)
}

func TestFeedRequiresChannelName(t *testing.T) {
	server := httptest.NewServer(FeedHandler(NewBus(), nil))
	defer server.Close()

	resp, err := http.Get(server.URL + FeedPathPrefix)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestFeedUnsubscribesWhenClientLeaves(t *testing.T) {
	bus := NewBus()
	server := httptest.NewServer(FeedHandler(bus, nil))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + FeedPathPrefix + "run1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return bus.SubscriberCount("run1") == 1 },
		time.Second, time.Millisecond*10)

	conn.Close()
	require.Eventually(t, func() bool { return !bus.HasChannel("run1") },
		time.Second, time.Millisecond*10)
}
