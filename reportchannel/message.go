package reportchannel

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
)

// DefaultChannelName is the channel used when a run does not specify one.
const DefaultChannelName = "tests"

// MessageType identifies the kind of payload carried by a Message.
type MessageType string

const (
	TypeTestReport  MessageType = "test-report"
	TypeBatchReport MessageType = "batch-report"
)

// Status is the outcome of a single test.
type Status string

const (
	StatusPassed Status = "passed"
	StatusFailed Status = "failed"
)

// Message is the envelope for everything sent over a report channel. Data is kept raw so
// that a message of an unrecognized type can still be carried and reported.
type Message struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (m Message) String() string {
	data, _ := json.Marshal(m)
	return string(data)
}

// TestReport describes the outcome of one test within a batch.
type TestReport struct {
	Name     string `json:"name"`
	Location string `json:"location"`
	Status   Status `json:"status"`
	Error    string `json:"error,omitempty"`
}

// Failed is true if the test did not pass.
func (r TestReport) Failed() bool {
	return r.Status != StatusPassed
}

// BatchReport is the final message for a batch. Summary holds every test report the batch
// produced, in execution order.
type BatchReport struct {
	Location string       `json:"location"`
	Summary  []TestReport `json:"summary"`
}

// Failures returns the reports in the summary that did not pass.
func (b BatchReport) Failures() []TestReport {
	var ret []TestReport
	for _, r := range b.Summary {
		if r.Failed() {
			ret = append(ret, r)
		}
	}
	return ret
}

// NewTestReportMessage wraps a TestReport in a Message.
func NewTestReportMessage(r TestReport) Message {
	data, _ := json.Marshal(r)
	return Message{Type: TypeTestReport, Data: data}
}

// NewBatchReportMessage wraps a BatchReport in a Message. A nil summary is sent as an empty
// list.
func NewBatchReportMessage(b BatchReport) Message {
	if b.Summary == nil {
		b.Summary = []TestReport{}
	}
	data, _ := json.Marshal(b)
	return Message{Type: TypeBatchReport, Data: data}
}

// Event is the decoded form of a Message: one of TestReportEvent, BatchReportEvent, or
// UnknownEvent.
type Event interface {
	event()
}

// TestReportEvent carries the report of one finished test.
type TestReportEvent struct {
	Report TestReport
}

// BatchReportEvent carries the final report of a batch.
type BatchReportEvent struct {
	Report BatchReport
}

// UnknownEvent is a message whose type is not part of the protocol.
type UnknownEvent struct {
	Type MessageType
	Data json.RawMessage
}

func (TestReportEvent) event()  {}
func (BatchReportEvent) event() {}
func (UnknownEvent) event()     {}

// Decode converts a Message into an Event. An unrecognized type is not an error at this
// level; it produces an UnknownEvent so the consumer decides how to treat it. A recognized
// type with a malformed payload is an error.
func Decode(m Message) (Event, error) {
	switch m.Type {
	case TypeTestReport:
		var r TestReport
		if err := json.Unmarshal(m.Data, &r); err != nil {
			return nil, errors.Wrapf(err, "malformed %s payload", m.Type)
		}
		return TestReportEvent{Report: r}, nil
	case TypeBatchReport:
		var b BatchReport
		if err := json.Unmarshal(m.Data, &b); err != nil {
			return nil, errors.Wrapf(err, "malformed %s payload", m.Type)
		}
		return BatchReportEvent{Report: b}, nil
	default:
		return UnknownEvent{Type: m.Type, Data: m.Data}, nil
	}
}

// ParseMessage decodes the JSON envelope of a message received from another process.
func ParseMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("malformed message JSON: %s", string(data))
	}
	if m.Type == "" {
		return Message{}, fmt.Errorf("message has no type: %s", string(data))
	}
	return m, nil
}
