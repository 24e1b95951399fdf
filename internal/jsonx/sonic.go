// Package jsonx provides JSON serialization backed by Sonic.
// Drop-in subset of encoding/json with substantially lower overhead on the
// extraction and consultation hot paths.
package jsonx

import (
	"bytes"
	"io"

	"github.com/bytedance/sonic"
)

var config = sonic.Config{
	EscapeHTML: false,
	UseInt64:   true,
}

// Marshal returns the JSON encoding of v.
func Marshal(v interface{}) ([]byte, error) {
	return sonic.Marshal(v)
}

// Unmarshal parses the JSON-encoded data into the value pointed to by v.
func Unmarshal(data []byte, v interface{}) error {
	return sonic.Unmarshal(data, v)
}

// MarshalToString is like Marshal but returns a string, avoiding the
// []byte-to-string copy.
func MarshalToString(v interface{}) (string, error) {
	return sonic.MarshalString(v)
}

// UnmarshalFromString parses the JSON string and stores the result in v.
func UnmarshalFromString(data string, v interface{}) error {
	return sonic.UnmarshalString(data, v)
}

// Valid reports whether data is valid JSON.
func Valid(data []byte) bool {
	return sonic.Valid(data)
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{reader: r}
}

// NewEncoder returns an encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{writer: w}
}

// Decoder reads a single JSON value from a stream.
type Decoder struct {
	reader io.Reader
	buf    *bytes.Buffer
}

// Decode reads the next JSON value from the input into v.
func (d *Decoder) Decode(v interface{}) error {
	if d.buf == nil {
		d.buf = &bytes.Buffer{}
	}
	if _, err := io.Copy(d.buf, d.reader); err != nil {
		return err
	}
	return sonic.Unmarshal(d.buf.Bytes(), v)
}

// Encoder writes JSON values to a stream, one per line.
type Encoder struct {
	writer io.Writer
}

// Encode writes the JSON encoding of v followed by a newline.
func (e *Encoder) Encode(v interface{}) error {
	data, err := sonic.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = e.writer.Write(data)
	return err
}

// Config returns the Sonic configuration in use.
func Config() sonic.Config {
	return config
}
