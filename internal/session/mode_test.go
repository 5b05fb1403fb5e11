package session

import (
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMode(t *testing.T) {
	assert.Equal(t, ModeStream, ParseMode("stream"))
	assert.Equal(t, ModeStream, ParseMode("Stream"))
	assert.Equal(t, ModeTerminal, ParseMode("terminal"))
	assert.Equal(t, ModeTerminal, ParseMode(""))
	assert.Equal(t, ModeTerminal, ParseMode("bogus"))
}

func TestParseStreamLine(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		wantType string
		wantErr  bool
	}{
		{name: "typed record", line: `{"type":"assistant","message":{}}`, wantType: "assistant"},
		{name: "missing type", line: `{"foo":1}`, wantType: unknownFrameType},
		{name: "non-string type", line: `{"type":42}`, wantType: unknownFrameType},
		{name: "empty type", line: `{"type":""}`, wantType: unknownFrameType},
		{name: "array", line: `[1,2,3]`, wantType: unknownFrameType},
		{name: "not json", line: `Warning: something happened`, wantErr: true},
		{name: "truncated", line: `{"type":"assistant"`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := parseStreamLine([]byte(tt.line))
			if tt.wantErr {
				var malformed *MalformedFrameError
				require.ErrorAs(t, err, &malformed)
				assert.Equal(t, tt.line, malformed.Line)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, frame.Type)
			assert.JSONEq(t, tt.line, string(frame.Payload))
		})
	}
}

func TestSplitIncompleteUTF8(t *testing.T) {
	euro := []byte("€") // 3 bytes

	complete, rest := splitIncompleteUTF8([]byte("plain"))
	assert.Equal(t, "plain", string(complete))
	assert.Empty(t, rest)

	partial := append([]byte("ab"), euro[:2]...)
	complete, rest = splitIncompleteUTF8(partial)
	assert.Equal(t, "ab", string(complete))
	assert.Equal(t, euro[:2], rest)

	complete, rest = splitIncompleteUTF8(append(rest, euro[2]))
	assert.Equal(t, "€", string(complete))
	assert.Empty(t, rest)

	complete, rest = splitIncompleteUTF8(append([]byte("x"), euro...))
	assert.Equal(t, "x€", string(complete))
	assert.Empty(t, rest)
}

func TestEncodeMessage(t *testing.T) {
	data, err := terminalMode{}.encodeMessage("hello")
	require.NoError(t, err)
	assert.Equal(t, "hello\r", string(data))

	data, err = streamMode{}.encodeMessage("say \"hi\"\nplease")
	require.NoError(t, err)
	require.Equal(t, byte('\n'), data[len(data)-1])

	var envelope struct {
		Type    string `json:"type"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
	}
	require.NoError(t, json.Unmarshal(data[:len(data)-1], &envelope))
	assert.Equal(t, "user", envelope.Type)
	assert.Equal(t, "user", envelope.Message.Role)
	assert.Equal(t, "say \"hi\"\nplease", envelope.Message.Content)
}

func TestPrimingDelay(t *testing.T) {
	assert.Equal(t, 2*time.Second, terminalMode{}.primingDelay(2*time.Second))
	assert.Equal(t, time.Duration(0), streamMode{}.primingDelay(2*time.Second))
}

func TestStreamText(t *testing.T) {
	msgs := []Message{
		{Type: "stream_event", Payload: json.RawMessage(`{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"Hello "}}}`)},
		{Type: "stream_event", Payload: json.RawMessage(`{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"input_json_delta","partial_json":"{"}}}`)},
		{Type: "assistant", Payload: json.RawMessage(`{"type":"assistant"}`)},
		{Type: MessageTypeUserMessage, Payload: json.RawMessage(`{"text":"ignored"}`)},
		{Type: "stream_event", Payload: json.RawMessage(`{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"world"}}}`)},
	}
	assert.Equal(t, "Hello world", streamText(msgs))
}
