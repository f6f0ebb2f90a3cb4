package stream

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/telemetry.report/internal/telemetry"
)

const (
	maxMsgSize       = 4 * 1024 * 1024
	subscriberBuffer = 256
)

type subscriber struct {
	ch         chan *structpb.Struct
	channels   map[string]bool // nil accepts every channel
	eventsOnly bool
}

func (s *subscriber) wants(rec telemetry.AnalyticsRecord) bool {
	if s.eventsOnly && len(rec.Anomalies) == 0 && len(rec.Violations) == 0 && len(rec.NewRuns) == 0 {
		return false
	}
	return s.channels == nil || s.channels[rec.Sample.Channel]
}

// Publisher is a pipeline sink that fans records out to gRPC subscribers.
// Each subscriber has its own buffer; a full buffer drops the record for
// that subscriber only.
type Publisher struct {
	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	server *grpc.Server
	done   chan struct{}
	once   sync.Once

	sent    atomic.Uint64
	dropped atomic.Uint64
	drops   prometheus.Counter
}

// NewPublisher returns a publisher. drops may be nil.
func NewPublisher(drops prometheus.Counter) *Publisher {
	return &Publisher{subs: make(map[*subscriber]struct{}), done: make(chan struct{}), drops: drops}
}

// Register attaches the records service to an existing server.
func (p *Publisher) Register(s *grpc.Server) {
	s.RegisterService(&ServiceDesc, p)
}

// Serve starts a dedicated gRPC server on lis and blocks until it stops.
func (p *Publisher) Serve(lis net.Listener) error {
	p.mu.Lock()
	p.server = grpc.NewServer(
		grpc.MaxRecvMsgSize(maxMsgSize),
		grpc.MaxSendMsgSize(maxMsgSize),
	)
	p.Register(p.server)
	srv := p.server
	p.mu.Unlock()
	log.Printf("[stream] gRPC records stream on %s", lis.Addr())
	return srv.Serve(lis)
}

// Stop ends every stream and stops the server started by Serve.
func (p *Publisher) Stop() {
	p.once.Do(func() { close(p.done) })
	p.mu.Lock()
	srv := p.server
	p.mu.Unlock()
	if srv != nil {
		srv.GracefulStop()
	}
}

// Subscribers returns the number of open streams.
func (p *Publisher) Subscribers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}

// Stats returns records sent and dropped across all subscribers.
func (p *Publisher) Stats() (sent, dropped uint64) {
	return p.sent.Load(), p.dropped.Load()
}

// Publish implements the pipeline sink.
func (p *Publisher) Publish(rec telemetry.AnalyticsRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.subs) == 0 {
		return
	}
	var msg *structpb.Struct
	for s := range p.subs {
		if !s.wants(rec) {
			continue
		}
		if msg == nil {
			var err error
			if msg, err = toStruct(rec); err != nil {
				log.Printf("[stream] encode record %d: %v", rec.Seq, err)
				return
			}
		}
		select {
		case s.ch <- msg:
		default:
			p.dropped.Add(1)
			if p.drops != nil {
				p.drops.Inc()
			}
		}
	}
}

func toStruct(rec telemetry.AnalyticsRecord) (*structpb.Struct, error) {
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	s := new(structpb.Struct)
	if err := protojson.Unmarshal(b, s); err != nil {
		return nil, fmt.Errorf("record to struct: %w", err)
	}
	return s, nil
}

func parseRequest(req *structpb.Struct) (*subscriber, error) {
	sub := &subscriber{ch: make(chan *structpb.Struct, subscriberBuffer)}
	fields := req.GetFields()
	if v, ok := fields["events_only"]; ok {
		b, ok := v.GetKind().(*structpb.Value_BoolValue)
		if !ok {
			return nil, fmt.Errorf("events_only must be a bool")
		}
		sub.eventsOnly = b.BoolValue
	}
	if v, ok := fields["channels"]; ok {
		list := v.GetListValue()
		if list == nil {
			return nil, fmt.Errorf("channels must be a list")
		}
		sub.channels = make(map[string]bool)
		for _, c := range list.GetValues() {
			name := c.GetStringValue()
			if name == "" {
				return nil, fmt.Errorf("channels must be non-empty strings")
			}
			sub.channels[name] = true
		}
	}
	return sub, nil
}

// Records implements RecordsServer.
func (p *Publisher) Records(req *structpb.Struct, stream grpc.ServerStream) error {
	sub, err := parseRequest(req)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	p.mu.Lock()
	p.subs[sub] = struct{}{}
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.subs, sub)
		p.mu.Unlock()
	}()

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.done:
			return nil
		case msg := <-sub.ch:
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
			p.sent.Add(1)
		}
	}
}
