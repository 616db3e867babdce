// Package grpc serves the sowdb ingest and query API over gRPC. Payloads are
// google.protobuf.Struct messages, so any JSON object can be sent as is.
package grpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"runtime/debug"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	sowerr "github.com/sowdb/sowdb/internal/errors"
	"github.com/sowdb/sowdb/internal/ingest"
	"github.com/sowdb/sowdb/internal/trust"
)

// Metadata keys read from incoming calls.
const (
	MetadataAPIKey    = "x-api-key"
	MetadataStore     = "x-sowdb-store"
	MetadataTable     = "x-sowdb-table"
	MetadataRequestID = "x-request-id"
)

// IngestServer implements IngestServiceServer on top of an ingest engine.
type IngestServer struct {
	engine *ingest.Engine
	logger *slog.Logger
}

// NewIngestServer creates a new gRPC ingest server.
func NewIngestServer(engine *ingest.Engine, logger *slog.Logger) *IngestServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &IngestServer{engine: engine, logger: logger}
}

// NewServer returns a grpc.Server with the ingest service registered. The
// receive limit leaves room for Struct framing around the largest body.
func NewServer(s *IngestServer, opts ...grpc.ServerOption) *grpc.Server {
	limit := int(s.engine.MaxBodyBytes())*2 + 4096
	opts = append([]grpc.ServerOption{
		grpc.MaxRecvMsgSize(limit),
		grpc.ChainUnaryInterceptor(RecoveryInterceptor(s.logger)),
	}, opts...)
	srv := grpc.NewServer(opts...)
	RegisterIngestServiceServer(srv, s)
	return srv
}

// Ingest stores the request Struct as one row. The table is read from the
// x-sowdb-table metadata key.
func (s *IngestServer) Ingest(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	rc, err := s.begin(ctx, "grpc:ingest")
	if err != nil {
		return nil, toStatus(err, false)
	}

	body, err := encodeBody(req)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid payload: %v", err)
	}

	receipt, err := s.engine.Ingest(ctx, ingest.Request{
		Context: rc,
		Table:   first(ctx, MetadataTable),
		Body:    body,
	})
	if err != nil {
		return nil, s.fail(rc, err)
	}
	return toStruct(receipt)
}

// encodeBody renders a Struct as the raw JSON body of a row. Struct has no
// key order, so keys come out sorted. HTML characters are kept literal.
func encodeBody(req *structpb.Struct) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(req.AsMap()); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Query reads one page of a table. The request Struct carries table, q,
// order, desc, limit, offset and a filters object.
func (s *IngestServer) Query(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	rc, err := s.begin(ctx, "grpc:query")
	if err != nil {
		return nil, toStatus(err, false)
	}

	f := req.GetFields()
	read := ingest.ReadRequest{
		Context: rc,
		Table:   f["table"].GetStringValue(),
		Search:  f["q"].GetStringValue(),
		OrderBy: f["order"].GetStringValue(),
		Desc:    f["desc"].GetBoolValue(),
		Limit:   int(f["limit"].GetNumberValue()),
		Offset:  int(f["offset"].GetNumberValue()),
	}
	if filters := f["filters"].GetStructValue(); filters != nil {
		read.Filters = make(map[string]string, len(filters.GetFields()))
		for k, v := range filters.GetFields() {
			read.Filters[k] = scalarText(v)
		}
	}

	res, err := s.engine.Query(ctx, read)
	if err != nil {
		return nil, s.fail(rc, err)
	}
	return toStruct(res)
}

func (s *IngestServer) begin(ctx context.Context, endpoint string) (ingest.RequestContext, error) {
	requestID := first(ctx, MetadataRequestID)
	if requestID == "" {
		requestID = uuid.New().String()
	}
	return s.engine.Begin(ingest.Origin{
		RequestID: requestID,
		Endpoint:  endpoint,
		APIKey:    first(ctx, MetadataAPIKey),
		Store:     first(ctx, MetadataStore),
		SourceIP:  peerIP(ctx),
		UserAgent: first(ctx, "user-agent"),
	})
}

func (s *IngestServer) fail(rc ingest.RequestContext, err error) error {
	st := toStatus(err, rc.Identity().Tier == trust.TierAuthenticated)
	if status.Code(st) == codes.Internal {
		s.logger.Error("grpc: request failed", "request_id", rc.RequestID(), "error", err)
	}
	return st
}

// toStatus maps an engine error to a gRPC status. The underlying cause is
// only included when detailed is set.
func toStatus(err error, detailed bool) error {
	se := sowerr.As(err)
	msg := se.Code + ": " + se.Message
	if detailed && se.Cause != nil {
		msg += ": " + se.Cause.Error()
	}
	return status.Error(codeFor(se.Code), msg)
}

func codeFor(code string) codes.Code {
	switch code {
	case sowerr.CodeInvalidRequest, sowerr.CodeEmptyBody:
		return codes.InvalidArgument
	case sowerr.CodeBodyTooLarge:
		return codes.ResourceExhausted
	case sowerr.CodeUnauthorized:
		return codes.Unauthenticated
	case sowerr.CodeForbiddenTable, sowerr.CodeReadsDisabled:
		return codes.PermissionDenied
	case sowerr.CodeTableNotFound, sowerr.CodeStoreNotFound:
		return codes.NotFound
	case sowerr.CodeStorageBusy, sowerr.CodeShuttingDown:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// RecoveryInterceptor turns handler panics into Internal errors.
func RecoveryInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("grpc: handler panicked", "method", info.FullMethod, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
				err = status.Error(codes.Internal, "internal server error")
			}
		}()
		return handler(ctx, req)
	}
}

// toStruct converts a wire type to a Struct through its JSON form.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	return out, nil
}

// scalarText renders a filter value the way it would appear in a query
// string.
func scalarText(v *structpb.Value) string {
	switch k := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		return k.StringValue
	case *structpb.Value_BoolValue:
		if k.BoolValue {
			return "1"
		}
		return "0"
	case *structpb.Value_NumberValue:
		data, _ := json.Marshal(k.NumberValue)
		return string(data)
	default:
		data, _ := protojson.Marshal(v)
		return string(data)
	}
}

func first(ctx context.Context, key string) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if vals := md.Get(key); len(vals) > 0 {
		return strings.TrimSpace(vals[0])
	}
	return ""
}

func peerIP(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(p.Addr.String())
	if err != nil {
		return p.Addr.String()
	}
	return host
}
