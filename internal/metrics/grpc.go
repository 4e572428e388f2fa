package metrics

import (
	"context"
	"fmt"

	"github.com/vaseksindelaru/Aipha-0.0.2/internal/proposal"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Full method names of the remote metrics service. Requests and responses are
// google.protobuf.Struct messages.
const (
	MethodCurrent = "/aipha.metrics.v1.MetricsService/Current"
	MethodSeries  = "/aipha.metrics.v1.MetricsService/Series"
)

// #region invoker
// Invoker is the unary-call surface of a grpc.ClientConn, narrowed so tests
// can inject a fake.
type Invoker interface {
	Invoke(ctx context.Context, method string, args, reply any, opts ...grpc.CallOption) error
}
// #endregion invoker

// #region client-struct
// GRPCSource reads metrics from a remote simulation service.
type GRPCSource struct {
	conn      *grpc.ClientConn
	invoker   Invoker
	component string
}

// NewGRPCSource connects to the metrics service at addr.
func NewGRPCSource(addr, component string) (*GRPCSource, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	return &GRPCSource{conn: conn, invoker: conn, component: component}, nil
}

// NewGRPCSourceWithInvoker creates a GRPCSource over an injected invoker.
func NewGRPCSourceWithInvoker(inv Invoker, component string) *GRPCSource {
	return &GRPCSource{invoker: inv, component: component}
}

// Close shuts down the connection, if the source owns one.
func (s *GRPCSource) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}
// #endregion client-struct

// #region current
func (s *GRPCSource) Current(ctx context.Context) (proposal.Metrics, error) {
	req, err := structpb.NewStruct(map[string]any{"component": s.component})
	if err != nil {
		return nil, err
	}
	resp := &structpb.Struct{}
	if err := s.invoker.Invoke(ctx, MethodCurrent, req, resp); err != nil {
		return nil, fmt.Errorf("current rpc: %w", err)
	}

	out := make(proposal.Metrics, len(resp.GetFields()))
	for name, v := range resp.GetFields() {
		n, ok := v.GetKind().(*structpb.Value_NumberValue)
		if !ok {
			return nil, fmt.Errorf("current rpc: metric %s is not a number", name)
		}
		out[name] = n.NumberValue
	}
	return out, nil
}
// #endregion current

// #region series
func (s *GRPCSource) Get(ctx context.Context, component, metric string) ([]float64, error) {
	req, err := structpb.NewStruct(map[string]any{"component": component, "metric": metric})
	if err != nil {
		return nil, err
	}
	resp := &structpb.Struct{}
	if err := s.invoker.Invoke(ctx, MethodSeries, req, resp); err != nil {
		return nil, fmt.Errorf("series rpc: %w", err)
	}

	list := resp.GetFields()["values"].GetListValue()
	if list == nil {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownMetric, component, metric)
	}
	out := make([]float64, 0, len(list.GetValues()))
	for _, v := range list.GetValues() {
		out = append(out, v.GetNumberValue())
	}
	return out, nil
}
// #endregion series
