package ipc

import (
	"bytes"
	"errors"
	"io"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeWritesFlatFrames(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	require.NoError(t, enc.Encode(MetricsMsg{CPU: 12.5, Memory: 40}))
	require.NoError(t, enc.Encode(NewRequest(33)))
	require.NoError(t, enc.Encode(RequestMsg{}))
	require.NoError(t, enc.Encode(ErrorMsg{Error: "boom"}))
	require.NoError(t, enc.Encode(ShutdownMsg{}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 5)
	assert.JSONEq(t, `{"type":"metrics","cpu":12.5,"memory":40}`, lines[0])
	assert.JSONEq(t, `{"type":"request","responseTime":33}`, lines[1])
	assert.JSONEq(t, `{"type":"request"}`, lines[2])
	assert.JSONEq(t, `{"type":"error","error":"boom"}`, lines[3])
	assert.JSONEq(t, `{"type":"shutdown"}`, lines[4])
}

func TestEncodeRejectsInvalidMessages(t *testing.T) {
	enc := NewEncoder(io.Discard)

	err := enc.Encode(MetricsMsg{CPU: math.NaN(), Memory: 1})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidNumber))

	assert.Error(t, enc.Encode(nil))
}

func TestDecodeStream(t *testing.T) {
	input := strings.Join([]string{
		`{"type":"online"}`,
		``,
		`{"type":"metrics","cpu":3.5,"memory":20}`,
		`{"type":"request","responseTime":120}`,
		`{"type":"request"}`,
		`{"type":"error","error":"db timeout"}`,
	}, "\n")

	dec := NewDecoder(strings.NewReader(input))

	m, err := dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, OnlineMsg{}, m)

	m, err = dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, MetricsMsg{CPU: 3.5, Memory: 20}, m)

	m, err = dec.Decode()
	require.NoError(t, err)
	req, ok := m.(RequestMsg)
	require.True(t, ok)
	require.NotNil(t, req.ResponseTime)
	assert.Equal(t, 120.0, *req.ResponseTime)

	m, err = dec.Decode()
	require.NoError(t, err)
	assert.Nil(t, m.(RequestMsg).ResponseTime)

	m, err = dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, ErrorMsg{Error: "db timeout"}, m)

	_, err = dec.Decode()
	assert.Equal(t, io.EOF, err)
}

func TestDecodeRejectsMalformedFrames(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		wantErr error
	}{
		{name: "unknown type", line: `{"type":"telemetry"}`, wantErr: ErrUnknownType},
		{name: "missing type", line: `{"cpu":1}`, wantErr: ErrMissingField},
		{name: "metrics without memory", line: `{"type":"metrics","cpu":1}`, wantErr: ErrMissingField},
		{name: "negative cpu", line: `{"type":"metrics","cpu":-1,"memory":2}`, wantErr: ErrInvalidNumber},
		{name: "negative response time", line: `{"type":"request","responseTime":-4}`, wantErr: ErrInvalidNumber},
		{name: "error without message", line: `{"type":"error"}`, wantErr: ErrMissingField},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := NewDecoder(strings.NewReader(tt.line))
			_, err := dec.Decode()

			var decodeErr *DecodeError
			require.ErrorAs(t, err, &decodeErr)
			assert.Equal(t, 1, decodeErr.Line)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestDecodeSkipsPastBadFrame(t *testing.T) {
	input := "not json\n{\"type\":\"online\"}\n"
	dec := NewDecoder(strings.NewReader(input))

	_, err := dec.Decode()
	var decodeErr *DecodeError
	require.ErrorAs(t, err, &decodeErr)

	m, err := dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, TypeOnline, m.Type())
}

func TestDecodeRecoversFromOversizedFrame(t *testing.T) {
	huge := `{"type":"error","error":"` + strings.Repeat("x", 2*MaxFrameSize) + `"}`
	input := huge + "\n" + `{"type":"request","responseTime":5}` + "\n"
	dec := NewDecoder(strings.NewReader(input))

	_, err := dec.Decode()
	var decodeErr *DecodeError
	require.ErrorAs(t, err, &decodeErr)
	assert.Equal(t, 1, decodeErr.Line)
	assert.ErrorIs(t, err, ErrFrameTooLarge)

	m, err := dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, NewRequest(5), m)

	_, err = dec.Decode()
	assert.ErrorIs(t, err, io.EOF)
}

func TestDecodeFrameSizeBoundary(t *testing.T) {
	// The error string is padded so the whole frame is exactly MaxFrameSize.
	prefix, suffix := `{"type":"error","error":"`, `"}`
	exact := prefix + strings.Repeat("a", MaxFrameSize-len(prefix)-len(suffix)) + suffix
	require.Len(t, exact, MaxFrameSize)

	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"exactly max with newline", exact + "\n", false},
		{"exactly max with crlf", exact + "\r\n", false},
		{"exactly max at eof", exact, false},
		{"one byte over", prefix + "b" + exact[len(prefix):] + "\n", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := NewDecoder(strings.NewReader(tt.input)).Decode()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrFrameTooLarge)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, TypeError, m.Type())
		})
	}
}

func TestDecodeFinalLineWithoutNewline(t *testing.T) {
	dec := NewDecoder(strings.NewReader(`{"type":"online"}`))

	m, err := dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, OnlineMsg{}, m)

	_, err = dec.Decode()
	assert.ErrorIs(t, err, io.EOF)
}

func TestEncodeRejectsOversizedFrame(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	err := enc.Encode(ErrorMsg{Error: strings.Repeat("x", MaxFrameSize)})
	assert.ErrorIs(t, err, ErrFrameTooLarge)
	assert.Zero(t, buf.Len(), "nothing is written for a rejected frame")
}
