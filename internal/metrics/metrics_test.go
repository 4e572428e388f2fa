package metrics

import (
	"context"
	"errors"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// #region file-source

const metricsDoc = `
potential_capture_engine:
  win_rate: [0.55, 0.41, 0.25]
  total_trades: 50
  drawdown: [0.1, 0.2]
  empty: []
other:
  win_rate: 0.7
`

func writeDoc(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "metrics.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0644))
	return path
}

func TestFileSourceCurrent(t *testing.T) {
	src := NewFileSource(writeDoc(t, metricsDoc), "potential_capture_engine")

	m, err := src.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0.25, m["win_rate"])
	assert.Equal(t, 50.0, m["total_trades"])
	assert.Equal(t, 0.2, m["drawdown"])
	_, ok := m["empty"]
	assert.False(t, ok)
}

func TestFileSourceGet(t *testing.T) {
	src := NewFileSource(writeDoc(t, metricsDoc), "potential_capture_engine")
	ctx := context.Background()

	vs, err := src.Get(ctx, "potential_capture_engine", "win_rate")
	require.NoError(t, err)
	assert.Equal(t, []float64{0.55, 0.41, 0.25}, vs)

	vs, err = src.Get(ctx, "other", "win_rate")
	require.NoError(t, err)
	assert.Equal(t, []float64{0.7}, vs)

	_, err = src.Get(ctx, "other", "drawdown")
	assert.ErrorIs(t, err, ErrUnknownMetric)
}

func TestFileSourceErrors(t *testing.T) {
	_, err := NewFileSource(filepath.Join(t.TempDir(), "absent.yaml"), "x").Current(context.Background())
	assert.ErrorIs(t, err, fs.ErrNotExist)

	_, err = NewFileSource(writeDoc(t, metricsDoc), "missing").Current(context.Background())
	assert.ErrorIs(t, err, ErrUnknownMetric)

	_, err = NewFileSource(writeDoc(t, "engine: {win_rate: [a, b]}"), "engine").Current(context.Background())
	assert.Error(t, err)
}

// #endregion file-source

// #region grpc-source

type fakeInvoker struct {
	method string
	req    *structpb.Struct
	reply  map[string]any
	err    error
}

func (f *fakeInvoker) Invoke(_ context.Context, method string, args, reply any, _ ...grpc.CallOption) error {
	f.method = method
	f.req = args.(*structpb.Struct)
	if f.err != nil {
		return f.err
	}
	s, err := structpb.NewStruct(f.reply)
	if err != nil {
		return err
	}
	proto.Merge(reply.(*structpb.Struct), s)
	return nil
}

func TestGRPCSourceWithInvoker(t *testing.T) {
	inv := &fakeInvoker{reply: map[string]any{"win_rate": 0.3, "total_trades": 12.0}}
	src := NewGRPCSourceWithInvoker(inv, "engine")

	m, err := src.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, MethodCurrent, inv.method)
	assert.Equal(t, "engine", inv.req.GetFields()["component"].GetStringValue())
	assert.Equal(t, 0.3, m["win_rate"])
	assert.Equal(t, 12.0, m["total_trades"])

	inv.reply = map[string]any{"win_rate": "high"}
	_, err = src.Current(context.Background())
	assert.Error(t, err)

	inv.err = errors.New("unavailable")
	_, err = src.Current(context.Background())
	assert.ErrorContains(t, err, "current rpc")
	assert.NoError(t, src.Close())
}

// metricsServer is the handler type of the hand-written service descriptor.
type metricsServer interface {
	Current(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Series(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type fixtureServer struct {
	series map[string][]any
}

func (s *fixtureServer) Current(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if req.GetFields()["component"].GetStringValue() != "engine" {
		return nil, status.Error(codes.NotFound, "unknown component")
	}
	out := map[string]any{}
	for name, vs := range s.series {
		out[name] = vs[len(vs)-1]
	}
	return structpb.NewStruct(out)
}

func (s *fixtureServer) Series(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	vs, ok := s.series[req.GetFields()["metric"].GetStringValue()]
	if !ok {
		return &structpb.Struct{}, nil
	}
	return structpb.NewStruct(map[string]any{"values": vs})
}

func unaryHandler(call func(metricsServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
		in := &structpb.Struct{}
		if err := dec(in); err != nil {
			return nil, err
		}
		return call(srv.(metricsServer), ctx, in)
	}
}

var metricsServiceDesc = grpc.ServiceDesc{
	ServiceName: "aipha.metrics.v1.MetricsService",
	HandlerType: (*metricsServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Current", Handler: unaryHandler(metricsServer.Current)},
		{MethodName: "Series", Handler: unaryHandler(metricsServer.Series)},
	},
}

func TestGRPCSourceOverBufconn(t *testing.T) {
	lis := bufconn.Listen(1 << 16)
	srv := grpc.NewServer()
	srv.RegisterService(&metricsServiceDesc, &fixtureServer{series: map[string][]any{
		"win_rate":     {0.5, 0.35},
		"total_trades": {40.0},
	}})
	go func() { _ = srv.Serve(lis) }()
	defer srv.Stop()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	src := NewGRPCSourceWithInvoker(conn, "engine")
	ctx := context.Background()

	m, err := src.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0.35, m["win_rate"])
	assert.Equal(t, 40.0, m["total_trades"])

	vs, err := src.Get(ctx, "engine", "win_rate")
	require.NoError(t, err)
	assert.Equal(t, []float64{0.5, 0.35}, vs)

	_, err = src.Get(ctx, "engine", "sharpe")
	assert.ErrorIs(t, err, ErrUnknownMetric)

	_, err = NewGRPCSourceWithInvoker(conn, "nope").Current(ctx)
	assert.Equal(t, codes.NotFound, status.Code(errors.Unwrap(err)))
}

// #endregion grpc-source
