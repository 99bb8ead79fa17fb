// Package ipc defines the messages exchanged between the supervisor and its
// worker processes and a line-delimited JSON codec for them.
//
// Workers write frames to stdout and read frames from stdin. Every frame is
// validated when decoded, so the rest of the system only ever sees well-formed
// typed messages.
package ipc

import (
	"errors"
	"fmt"
	"math"
)

// MessageType tags a frame on the wire.
type MessageType string

const (
	TypeOnline   MessageType = "online"
	TypeMetrics  MessageType = "metrics"
	TypeRequest  MessageType = "request"
	TypeError    MessageType = "error"
	TypeShutdown MessageType = "shutdown"
)

var (
	ErrUnknownType   = errors.New("unknown message type")
	ErrMissingField  = errors.New("missing required field")
	ErrInvalidNumber = errors.New("invalid numeric value")
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
)

// Message is one of OnlineMsg, MetricsMsg, RequestMsg, ErrorMsg or ShutdownMsg.
type Message interface {
	Type() MessageType
	Validate() error
}

// OnlineMsg signals that the worker finished initializing.
type OnlineMsg struct{}

// MetricsMsg carries a worker's self-reported resource usage in percent.
type MetricsMsg struct {
	CPU    float64
	Memory float64
}

// RequestMsg reports one handled request. ResponseTime is in milliseconds and
// is nil when the worker did not time the request.
type RequestMsg struct {
	ResponseTime *float64
}

// ErrorMsg reports a request or runtime error inside the worker.
type ErrorMsg struct {
	Error string
}

// ShutdownMsg asks the worker to flush and exit.
type ShutdownMsg struct{}

func (OnlineMsg) Type() MessageType   { return TypeOnline }
func (MetricsMsg) Type() MessageType  { return TypeMetrics }
func (RequestMsg) Type() MessageType  { return TypeRequest }
func (ErrorMsg) Type() MessageType    { return TypeError }
func (ShutdownMsg) Type() MessageType { return TypeShutdown }

func (OnlineMsg) Validate() error   { return nil }
func (ShutdownMsg) Validate() error { return nil }
func (ErrorMsg) Validate() error    { return nil }

func (m MetricsMsg) Validate() error {
	if err := checkNumber("cpu", m.CPU); err != nil {
		return err
	}
	return checkNumber("memory", m.Memory)
}

func (m RequestMsg) Validate() error {
	if m.ResponseTime == nil {
		return nil
	}
	return checkNumber("responseTime", *m.ResponseTime)
}

// NewRequest builds a RequestMsg with a timing in milliseconds.
func NewRequest(responseTimeMs float64) RequestMsg {
	return RequestMsg{ResponseTime: &responseTimeMs}
}

func checkNumber(field string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return fmt.Errorf("%w: %s=%v", ErrInvalidNumber, field, v)
	}
	return nil
}

// frame is the flat wire representation of every message type.
type frame struct {
	Type         MessageType `json:"type"`
	CPU          *float64    `json:"cpu,omitempty"`
	Memory       *float64    `json:"memory,omitempty"`
	ResponseTime *float64    `json:"responseTime,omitempty"`
	Error        *string     `json:"error,omitempty"`
}

func toFrame(m Message) frame {
	f := frame{Type: m.Type()}
	switch msg := m.(type) {
	case MetricsMsg:
		f.CPU = &msg.CPU
		f.Memory = &msg.Memory
	case *MetricsMsg:
		f.CPU = &msg.CPU
		f.Memory = &msg.Memory
	case RequestMsg:
		f.ResponseTime = msg.ResponseTime
	case *RequestMsg:
		f.ResponseTime = msg.ResponseTime
	case ErrorMsg:
		f.Error = &msg.Error
	case *ErrorMsg:
		f.Error = &msg.Error
	}
	return f
}

func fromFrame(f frame) (Message, error) {
	var m Message
	switch f.Type {
	case TypeOnline:
		m = OnlineMsg{}
	case TypeShutdown:
		m = ShutdownMsg{}
	case TypeMetrics:
		if f.CPU == nil {
			return nil, fmt.Errorf("%w: cpu", ErrMissingField)
		}
		if f.Memory == nil {
			return nil, fmt.Errorf("%w: memory", ErrMissingField)
		}
		m = MetricsMsg{CPU: *f.CPU, Memory: *f.Memory}
	case TypeRequest:
		m = RequestMsg{ResponseTime: f.ResponseTime}
	case TypeError:
		if f.Error == nil {
			return nil, fmt.Errorf("%w: error", ErrMissingField)
		}
		m = ErrorMsg{Error: *f.Error}
	case "":
		return nil, fmt.Errorf("%w: type", ErrMissingField)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, f.Type)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}
