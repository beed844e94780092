package servicedef

import "gopkg.in/launchdarkly/go-sdk-common.v2/ldvalue"

// ChannelHeader carries the report channel name on every callback request, so that a
// receiver can reject reports meant for a different run.
const ChannelHeader = "X-Report-Channel"

const ResourceRunsPrefix = "/runs/"

// StatusRep is returned by the test service's status resource.
type StatusRep struct {
	Description  string   `json:"description"`
	Capabilities []string `json:"capabilities"`
	Batches      []string `json:"batches"`
}

// CreateBatchParams asks the test service to run one batch. Reports are posted to
// CallbackURL + "/" + sequence number, starting at 1.
type CreateBatchParams struct {
	Target            string              `json:"target"`
	ChannelName       string              `json:"channelName"`
	CallbackURL       string              `json:"callbackUrl"`
	AbortOnFailedTest *bool               `json:"abortOnFailedTest,omitempty"`
	TimeoutMS         ldvalue.OptionalInt `json:"timeoutMs,omitempty"`
}
