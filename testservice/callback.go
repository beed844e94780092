package testservice

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/launchdarkly/batch-test-harness/reportchannel"
	"github.com/launchdarkly/batch-test-harness/servicedef"
)

// NewCallbackClient returns the HTTP client used to deliver reports. Connection errors and 5xx
// responses are retried a few times; the harness drops the duplicates this can cause.
func NewCallbackClient() *retryablehttp.Client {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = 10 * time.Millisecond
	client.RetryWaitMax = 200 * time.Millisecond
	client.Logger = nil
	return client
}

// callbackOpener is a reportchannel.Opener whose channels deliver every message to the
// harness as POST {baseURL}/{seq}, numbering messages from 1.
type callbackOpener struct {
	ctx     context.Context
	client  *retryablehttp.Client
	baseURL string
	logger  *zap.Logger
}

type callbackPublisher struct {
	opener *callbackOpener
	name   string
	seq    int
	closed bool
	lock   sync.Mutex
}

func (o *callbackOpener) OpenChannel(name string) (reportchannel.Publisher, error) {
	if o.baseURL == "" {
		return nil, errors.New("no callback URL")
	}
	return &callbackPublisher{opener: o, name: name}, nil
}

func (p *callbackPublisher) Publish(m reportchannel.Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}

	// Holding the lock across the request keeps messages from being sent out of order.
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.closed {
		return reportchannel.ErrChannelClosed
	}
	p.seq++
	url := fmt.Sprintf("%s/%d", strings.TrimSuffix(p.opener.baseURL, "/"), p.seq)

	req, err := retryablehttp.NewRequestWithContext(p.opener.ctx, "POST", url, data)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(servicedef.ChannelHeader, p.name)
	resp, err := p.opener.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "callback %d failed", p.seq)
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 300 {
		return errors.Errorf("callback %d returned HTTP status %d", p.seq, resp.StatusCode)
	}
	p.opener.logger.Debug("delivered report",
		zap.String("channel", p.name), zap.Int("seq", p.seq), zap.String("type", string(m.Type)))
	return nil
}

func (p *callbackPublisher) Close() {
	p.lock.Lock()
	p.closed = true
	p.lock.Unlock()
}
