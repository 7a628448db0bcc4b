// Package simrpc is RPC between simulated nodes.
// A Router serves services on a port of its node; a
// Client calls /Service/Method paths on a remote
// address. Calls are frames sent with detsim.Task.SendTag,
// so they see every fault the network injects.
package simrpc

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/glycerine/detsim"
)

// MethodFunc handles one unary call. The returned
// value is encoded with the request's Codec.
type MethodFunc func(t *detsim.Task, req *Request) (any, error)

// StreamFunc handles a server-streaming call, writing
// any number of replies to out before returning.
type StreamFunc func(t *detsim.Task, req *Request, out *Sender) error

// Request is an incoming call as a handler sees it.
type Request struct {
	From detsim.Addr
	Path string

	body  []byte
	codec Codec
}

// Decode unmarshals the request body into v.
func (r *Request) Decode(v any) error {
	if err := r.codec.Unmarshal(r.body, v); err != nil {
		return Errorf(InvalidArgument, "decoding request for %v: %v", r.Path, err)
	}
	return nil
}

// Unary adapts a typed handler to a MethodFunc.
func Unary[Req, Resp any](fn func(t *detsim.Task, req *Req) (*Resp, error)) MethodFunc {
	return func(t *detsim.Task, r *Request) (any, error) {
		req := new(Req)
		if err := r.Decode(req); err != nil {
			return nil, err
		}
		resp, err := fn(t, req)
		if err != nil {
			return nil, err
		}
		return resp, nil
	}
}

// Service is a named set of methods, reached at
// /<name>/<method>.
type Service struct {
	name    string
	methods map[string]MethodFunc
	streams map[string]StreamFunc
}

func NewService(name string) *Service {
	return &Service{
		name:    name,
		methods: make(map[string]MethodFunc),
		streams: make(map[string]StreamFunc),
	}
}

func (s *Service) Name() string { return s.name }

func (s *Service) Method(name string, fn MethodFunc) *Service {
	s.methods[name] = fn
	return s
}

func (s *Service) Stream(name string, fn StreamFunc) *Service {
	s.streams[name] = fn
	return s
}

// Server configures how requests are handled. Build
// one with NewServer, then AddService to get a Router.
type Server struct {
	timeout time.Duration
	codecs  map[string]Codec
}

func NewServer() *Server {
	s := &Server{codecs: make(map[string]Codec)}
	for _, c := range []Codec{JSONCodec{}, ZstdCodec{}, LZ4Codec{}, S2Codec{}} {
		s.codecs[c.Name()] = c
	}
	return s
}

// Timeout bounds every handler. A handler still
// running after d is killed and the caller gets
// DeadlineExceeded.
func (s *Server) Timeout(d time.Duration) *Server {
	s.timeout = d
	return s
}

// RegisterCodec lets clients use c, looked up by
// c.Name(). The json, zstd, lz4 and s2 codecs are
// always known.
func (s *Server) RegisterCodec(c Codec) *Server {
	s.codecs[c.Name()] = c
	return s
}

func (s *Server) AddService(svc *Service) *Router {
	r := &Router{
		srv:      *s,
		services: make(map[string]*Service),
	}
	return r.AddService(svc)
}

// Router dispatches requests by /Service/Method path.
type Router struct {
	srv      Server
	services map[string]*Service
}

func (r *Router) AddService(svc *Service) *Router {
	r.services[svc.name] = svc
	return r
}

// Paths lists every routable method, sorted.
func (r *Router) Paths() (paths []string) {
	for name, svc := range r.services {
		for m := range svc.methods {
			paths = append(paths, "/"+name+"/"+m)
		}
		for m := range svc.streams {
			paths = append(paths, "/"+name+"/"+m)
		}
	}
	sort.Strings(paths)
	return
}

// Serve receives requests for port on the task's node
// and handles each in a newly spawned task. It only
// returns when the task is cancelled.
func (r *Router) Serve(t *detsim.Task, port int) error {
	tag := requestTag(port)
	t.Logf("simrpc: serving %v on %v", r.Paths(), tag)
	for {
		m, err := t.RecvTag(tag)
		if err != nil {
			return err
		}
		f, err := decodeFrame(m.Payload)
		if err != nil {
			t.Logf("simrpc: dropping request from %v: %v", m.Src, err)
			continue
		}
		from := m.Src
		t.SpawnNamed(fmt.Sprintf("%v%v", t.Addr(), f.Path), func(c *detsim.Task) error {
			r.handle(c, from, f)
			return nil
		})
	}
}

// ServeWithShutdown is Serve until the signal task
// finishes. Handlers already running are left to
// complete.
func (r *Router) ServeWithShutdown(t *detsim.Task, port int, signal *detsim.JoinHandle) error {
	acceptor := t.SpawnNamed(fmt.Sprintf("%v/rpc:%d", t.Addr(), port), func(c *detsim.Task) error {
		return r.Serve(c, port)
	})
	err := signal.Join(t)
	acceptor.Abort()
	if errors.Is(err, detsim.ErrTaskCancelled) {
		return err
	}
	return nil
}

func splitPath(path string) (svc, method string, ok bool) {
	parts := strings.Split(path, "/")
	if len(parts) != 3 || parts[0] != "" || parts[1] == "" || parts[2] == "" {
		return "", "", false
	}
	return parts[1], parts[2], true
}

func (r *Router) lookup(path string, stream bool) (MethodFunc, StreamFunc, error) {
	name, method, ok := splitPath(path)
	if !ok {
		return nil, nil, Errorf(Unimplemented, "malformed path '%v'", path)
	}
	svc, ok := r.services[name]
	if !ok {
		return nil, nil, Errorf(Unimplemented, "unknown service %v", name)
	}
	if stream {
		if fn, ok := svc.streams[method]; ok {
			return nil, fn, nil
		}
	} else {
		if fn, ok := svc.methods[method]; ok {
			return fn, nil, nil
		}
	}
	return nil, nil, Errorf(Unimplemented, "unknown method %v for service %v", method, name)
}

// handle runs in its own task, one per request.
func (r *Router) handle(t *detsim.Task, from detsim.Addr, f *frame) {
	codec, ok := r.srv.codecs[f.Codec]
	if !ok {
		r.reply(t, from, f.ReplyTag, 0, Errorf(InvalidArgument, "unknown codec '%v'", f.Codec), nil, nil)
		return
	}
	unary, stream, err := r.lookup(f.Path, f.Stream)
	if err != nil {
		r.reply(t, from, f.ReplyTag, 0, err, nil, codec)
		return
	}
	req := &Request{From: from, Path: f.Path, body: f.Body, codec: codec}

	var resp any
	var out *Sender
	run := func(c *detsim.Task) (err error) {
		if unary != nil {
			resp, err = unary(c, req)
			return
		}
		out = &Sender{t: c, dst: from, tag: f.ReplyTag, codec: codec}
		return stream(c, req, out)
	}
	if r.srv.timeout > 0 {
		err = t.Timeout(r.srv.timeout, run)
	} else {
		err = t.SpawnNamed(t.Name()+"/handler", run).Join(t)
	}
	seq := 0
	if out != nil {
		seq = out.seq
	}
	r.reply(t, from, f.ReplyTag, seq, statusOf(err), resp, codec)
}

// reply sends the final frame of a call.
func (r *Router) reply(t *detsim.Task, to detsim.Addr, tag string, seq int, err error, resp any, codec Codec) {
	out := &frame{Seq: seq, End: true}
	if err == nil && resp != nil {
		by, merr := codec.Marshal(resp)
		if merr != nil {
			err = Errorf(Internal, "encoding response: %v", merr)
		} else {
			out.Body = by
		}
	}
	if err != nil {
		st := statusOf(err).(*Status)
		out.Code, out.Msg = st.Code, st.Message
	}
	if serr := t.SendTag(to, tag, out.encode()); serr != nil {
		t.Logf("simrpc: reply to %v lost: %v", to, serr)
	}
}

// statusOf maps a handler's error to the Status the
// caller will see.
func statusOf(err error) error {
	if err == nil {
		return nil
	}
	var st *Status
	var failed *detsim.TaskFailedError
	switch {
	case errors.As(err, &st):
		return st
	case errors.Is(err, detsim.ErrTimeout):
		return Errorf(DeadlineExceeded, "handler timed out")
	case errors.As(err, &failed):
		return Errorf(Internal, "handler panicked: %v", failed.Value)
	case errors.Is(err, detsim.ErrTaskCancelled):
		return Errorf(Cancelled, "handler cancelled")
	}
	return Errorf(Unknown, "%v", err)
}

// Sender writes the replies of a streaming call.
type Sender struct {
	t     *detsim.Task
	dst   detsim.Addr
	tag   string
	codec Codec
	seq   int
}

// Send encodes v as the next reply. Replies carry a
// sequence number so the caller sees them in order
// even when the network reorders them.
func (s *Sender) Send(v any) error {
	by, err := s.codec.Marshal(v)
	if err != nil {
		return Errorf(Internal, "encoding stream reply: %v", err)
	}
	f := &frame{Seq: s.seq, Body: by}
	s.seq++
	return s.t.SendTag(s.dst, s.tag, f.encode())
}
