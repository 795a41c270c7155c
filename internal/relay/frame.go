package relay

import (
	"bytes"
	"encoding/json"
)

// Frame tags of the client streaming protocol. Every frame is
// <tag>:<json>\n.
const (
	tagText   = '0'
	tagError  = '3'
	tagFinish = 'd'
)

type finishPayload struct {
	FinishReason string `json:"finishReason"`
}

// TextFrame encodes a text delta.
func TextFrame(text string) []byte {
	return encodeFrame(tagText, text)
}

// FinishFrame encodes the end-of-message marker.
func FinishFrame(reason string) []byte {
	return encodeFrame(tagFinish, finishPayload{FinishReason: reason})
}

// ErrorFrame encodes an error message.
func ErrorFrame(message string) []byte {
	return encodeFrame(tagError, message)
}

func encodeFrame(tag byte, v any) []byte {
	var buf bytes.Buffer
	buf.WriteByte(tag)
	buf.WriteByte(':')

	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// Encode appends the newline that terminates the frame. Strings and the
	// finish struct always encode.
	_ = enc.Encode(v)
	return buf.Bytes()
}
