package reportchannel

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/launchdarkly/batch-test-harness/logging"
)

// FeedPathPrefix is the URL path under which FeedHandler expects a channel name.
const FeedPathPrefix = "/channels/"

const feedWriteTimeout = time.Second * 5

var feedUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // host pages are usually served from a different origin than the harness
	},
}

// FeedHandler returns an HTTP handler that upgrades a request for FeedPathPrefix + name to a
// websocket and writes every message published on that channel as a JSON text frame. The
// connection stays open until the client goes away or the request context ends.
//
// This lets a page in a browser observe a run's progress the same way an in-process
// subscriber would.
func FeedHandler(bus *Bus, logger logging.Logger) http.Handler {
	if logger == nil {
		logger = logging.NullLogger()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		name := strings.TrimPrefix(req.URL.Path, FeedPathPrefix)
		if name == "" || strings.Contains(name, "/") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		conn, err := feedUpgrader.Upgrade(w, req, nil)
		if err != nil {
			logger.Printf("Websocket upgrade failed for channel %q: %s", name, err)
			return
		}
		defer conn.Close()

		channel := bus.Open(name)
		defer channel.Close()
		sub := channel.Subscribe()
		defer sub.Close()

		// The client never sends anything meaningful; reading is only how we notice that it
		// has disconnected.
		gone := make(chan struct{})
		go func() {
			defer close(gone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		logger.Printf("Websocket feed opened for channel %q", name)
		for {
			select {
			case m, ok := <-sub.C:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
				if err := conn.WriteJSON(m); err != nil {
					logger.Printf("Websocket write failed for channel %q: %s", name, err)
					return
				}
			case <-gone:
				logger.Printf("Websocket feed closed for channel %q", name)
				return
			case <-req.Context().Done():
				return
			}
		}
	})
}
