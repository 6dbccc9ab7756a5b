package rpc

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	dat "github.com/iamsingularity/datproject.org"
	"github.com/iamsingularity/datproject.org/logging"
)

var _ StoreServer = &Server{}

// Server exposes a store to remote peers.
type Server struct {
	s dat.AnchorStore

	// ReadOnly makes Put and PutAnchor fail with PermissionDenied,
	// and limits GetAnchor to archive index anchors.
	ReadOnly bool

	// OnServe, if set, is called after each blob is sent to a peer.
	OnServe func(ref dat.Ref, size int)
}

func NewServer(s dat.AnchorStore) *Server {
	return &Server{s: s}
}

func toStatus(err error) error {
	if errors.Is(err, dat.ErrNotFound) {
		return status.Error(codes.NotFound, err.Error())
	}
	if errors.Is(err, context.Canceled) {
		return status.Error(codes.Canceled, err.Error())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

func (s *Server) Get(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	ref := dat.RefFromBytes(req.Value)
	blob, err := s.s.Get(ctx, ref)
	if err != nil {
		return nil, toStatus(err)
	}
	logging.WithContext(ctx).Debug("served blob", logging.Ref("ref", ref), zap.Int("size", len(blob)))
	if s.OnServe != nil {
		s.OnServe(ref, len(blob))
	}
	return wrapperspb.Bytes(blob), nil
}

func (s *Server) Put(ctx context.Context, req *wrapperspb.BytesValue) (*structpb.Struct, error) {
	if s.ReadOnly {
		return nil, status.Error(codes.PermissionDenied, "read-only store")
	}
	ref, added, err := s.s.Put(ctx, req.Value)
	if err != nil {
		return nil, toStatus(err)
	}
	resp, err := structpb.NewStruct(map[string]interface{}{
		"ref":   ref.String(),
		"added": added,
	})
	return resp, errors.Wrap(err, "building response")
}

func (s *Server) ListRefs(req *wrapperspb.BytesValue, srv grpc.ServerStream) error {
	err := s.s.ListRefs(srv.Context(), dat.RefFromBytes(req.Value), func(ref dat.Ref) error {
		return srv.SendMsg(wrapperspb.Bytes(ref[:]))
	})
	if err != nil {
		return toStatus(err)
	}
	return nil
}

func (s *Server) GetAnchor(ctx context.Context, req *structpb.Struct) (*wrapperspb.BytesValue, error) {
	var (
		fields = req.GetFields()
		name   = fields["name"].GetStringValue()
	)
	at, err := time.Parse(time.RFC3339Nano, fields["at"].GetStringValue())
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "parsing time: %s", err)
	}
	if s.ReadOnly {
		if kind, _, err := dat.ParseAnchor(name); err != nil || kind != dat.IndexKind {
			return nil, status.Errorf(codes.NotFound, "anchor %s not served", name)
		}
	}
	ref, err := s.s.GetAnchor(ctx, name, at)
	if err != nil {
		return nil, toStatus(err)
	}
	return wrapperspb.Bytes(ref[:]), nil
}

func (s *Server) PutAnchor(ctx context.Context, req *structpb.Struct) (*wrapperspb.BoolValue, error) {
	if s.ReadOnly {
		return nil, status.Error(codes.PermissionDenied, "read-only store")
	}
	var (
		fields = req.GetFields()
		name   = fields["name"].GetStringValue()
	)
	ref, err := dat.RefFromHex(fields["ref"].GetStringValue())
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "parsing ref: %s", err)
	}
	at, err := time.Parse(time.RFC3339Nano, fields["at"].GetStringValue())
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "parsing time: %s", err)
	}
	if err = s.s.PutAnchor(ctx, name, ref, at); err != nil {
		return nil, toStatus(err)
	}
	return wrapperspb.Bool(true), nil
}
