package simrpc

import (
	"fmt"

	gjson "github.com/goccy/go-json"
)

// frame is what travels on the network. The header is
// always JSON; Body is produced by the call's Codec.
type frame struct {
	Path     string `json:"path,omitempty"`
	ReplyTag string `json:"reply,omitempty"`
	Codec    string `json:"codec,omitempty"`
	Stream   bool   `json:"stream,omitempty"`

	// replies
	Code Code   `json:"code,omitempty"`
	Msg  string `json:"msg,omitempty"`
	Seq  int    `json:"seq,omitempty"`
	End  bool   `json:"end,omitempty"`

	Body []byte `json:"body,omitempty"`
}

func (f *frame) encode() []byte {
	by, err := gjson.Marshal(f)
	panicOn(err)
	return by
}

func decodeFrame(payload any) (*frame, error) {
	by, ok := payload.([]byte)
	if !ok {
		return nil, fmt.Errorf("simrpc: payload is %T, not []byte", payload)
	}
	f := &frame{}
	if err := gjson.Unmarshal(by, f); err != nil {
		return nil, fmt.Errorf("simrpc: bad frame: %w", err)
	}
	return f, nil
}

func (f *frame) status() error {
	if f.Code == OK {
		return nil
	}
	return &Status{Code: f.Code, Message: f.Msg}
}

// requestTag is the message tag a server listening
// on port receives requests under.
func requestTag(port int) string {
	return fmt.Sprintf("rpc:%d", port)
}
