package simrpc

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/glycerine/detsim"
)

type DialOptions struct {
	// Codec encodes request and response bodies.
	// The server must know it by Name(). JSON if nil.
	Codec Codec

	// Timeout > 0 bounds each call, or each
	// reply of a stream. Zero waits forever.
	Timeout time.Duration
}

// Client calls the services served on one port of
// one address. A Client holds no connection, so it
// survives restarts of the server node.
type Client struct {
	dst     detsim.Addr
	port    int
	codec   Codec
	timeout time.Duration
}

func Dial(dst detsim.Addr, port int, opts *DialOptions) *Client {
	c := &Client{dst: dst, port: port, codec: JSONCodec{}}
	if opts != nil {
		if opts.Codec != nil {
			c.codec = opts.Codec
		}
		c.timeout = opts.Timeout
	}
	return c
}

func (c *Client) String() string {
	return fmt.Sprintf("simrpc.Client{dst:%v, port:%v, codec:%v}", c.dst, c.port, c.codec.Name())
}

// newReplyTag draws from the node's stream, so tags
// replay identically.
func newReplyTag(t *detsim.Task) string {
	return fmt.Sprintf("rpc-reply:%v:%016x", t.ID(), t.Rand().Uint64())
}

func (c *Client) send(t *detsim.Task, path string, req any, stream bool) (tag string, err error) {
	body, err := c.codec.Marshal(req)
	if err != nil {
		return "", Errorf(InvalidArgument, "encoding request for %v: %v", path, err)
	}
	tag = newReplyTag(t)
	f := &frame{
		Path:     path,
		ReplyTag: tag,
		Codec:    c.codec.Name(),
		Stream:   stream,
		Body:     body,
	}
	err = t.SendTag(c.dst, requestTag(c.port), f.encode())
	switch {
	case err == nil:
	case errors.Is(err, detsim.ErrNodeNotFound):
		return "", Errorf(Unavailable, "no node at %v", c.dst)
	default:
		return "", err
	}
	return tag, nil
}

func (c *Client) await(t *detsim.Task, tag string) (*frame, error) {
	var m *detsim.Message
	var err error
	if c.timeout > 0 {
		m, err = t.RecvTagTimeout(tag, c.timeout)
	} else {
		m, err = t.RecvTag(tag)
	}
	switch {
	case err == nil:
	case errors.Is(err, detsim.ErrTimeout):
		return nil, Errorf(DeadlineExceeded, "no reply from %v within %v", c.dst, c.timeout)
	case errors.Is(err, detsim.ErrTaskCancelled):
		return nil, err
	default:
		return nil, Errorf(Unknown, "%v", err)
	}
	return decodeFrame(m.Payload)
}

// Call invokes path ("/Service/Method") with req and
// decodes the reply into resp, which may be nil.
// Failures are *Status errors, except that a cancelled
// caller gets detsim.ErrTaskCancelled.
//
// A lost request or reply is only noticed through
// DialOptions.Timeout; without one Call waits forever.
func (c *Client) Call(t *detsim.Task, path string, req, resp any) error {
	tag, err := c.send(t, path, req, false)
	if err != nil {
		return err
	}
	f, err := c.await(t, tag)
	if err != nil {
		return err
	}
	if err := f.status(); err != nil {
		return err
	}
	if resp == nil || len(f.Body) == 0 {
		return nil
	}
	if err := c.codec.Unmarshal(f.Body, resp); err != nil {
		return Errorf(Internal, "decoding response from %v: %v", path, err)
	}
	return nil
}

// Invoke is Call with a typed response.
func Invoke[Resp any](t *detsim.Task, c *Client, path string, req any) (*Resp, error) {
	resp := new(Resp)
	if err := c.Call(t, path, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// CallStream starts a server-streaming call. Read the
// replies with Stream.Recv.
func (c *Client) CallStream(t *detsim.Task, path string, req any) (*Stream, error) {
	tag, err := c.send(t, path, req, true)
	if err != nil {
		return nil, err
	}
	return &Stream{c: c, t: t, tag: tag, path: path, pending: make(map[int]*frame)}, nil
}

// Stream is the caller's end of a streaming call.
type Stream struct {
	c    *Client
	t    *detsim.Task
	tag  string
	path string

	next    int
	pending map[int]*frame
	err     error
}

// Recv decodes the next reply into v. It returns
// io.EOF once the handler has returned without error,
// and the call's Status if it failed. Frames are
// delivered in the order sent; duplicates are dropped.
func (s *Stream) Recv(v any) error {
	if s.err != nil {
		return s.err
	}
	for {
		if f, ok := s.pending[s.next]; ok {
			delete(s.pending, s.next)
			s.next++
			if f.End {
				s.err = f.status()
				if s.err == nil {
					s.err = io.EOF
				}
				return s.err
			}
			if err := s.c.codec.Unmarshal(f.Body, v); err != nil {
				return Errorf(Internal, "decoding stream reply from %v: %v", s.path, err)
			}
			return nil
		}
		f, err := s.c.await(s.t, s.tag)
		if err != nil {
			s.err = err
			return err
		}
		if f.Seq >= s.next {
			s.pending[f.Seq] = f
		}
	}
}
