package rpc

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	dat "github.com/iamsingularity/datproject.org"
	"github.com/iamsingularity/datproject.org/store"
)

var _ dat.AnchorStore = &Client{}

// Client is a store backed by a remote Server.
type Client struct {
	cc   grpc.ClientConnInterface
	addr string
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Dial connects to the Server at addr.
func Dial(ctx context.Context, addr string, insecure bool) (*Client, error) {
	var opts []grpc.DialOption
	if insecure {
		opts = append(opts, grpc.WithInsecure())
	}
	cc, err := grpc.DialContext(ctx, addr, opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "connecting to %s", addr)
	}
	return &Client{cc: cc, addr: addr}, nil
}

func (c *Client) String() string {
	if c.addr == "" {
		return "rpc"
	}
	return "rpc:" + c.addr
}

// Close closes the underlying connection if the Client owns it.
func (c *Client) Close() error {
	if closer, ok := c.cc.(io.Closer); ok && c.addr != "" {
		return closer.Close()
	}
	return nil
}

func fromStatus(err error) error {
	switch status.Code(err) {
	case codes.NotFound:
		return dat.ErrNotFound
	case codes.Canceled:
		return context.Canceled
	case codes.DeadlineExceeded:
		return context.DeadlineExceeded
	}
	return err
}

func (c *Client) Get(ctx context.Context, ref dat.Ref) (dat.Blob, error) {
	resp := new(wrapperspb.BytesValue)
	err := c.cc.Invoke(ctx, getMethod, wrapperspb.Bytes(ref[:]), resp)
	if err != nil {
		return nil, fromStatus(err)
	}
	return resp.Value, nil
}

func (c *Client) ListRefs(ctx context.Context, start dat.Ref, f func(dat.Ref) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := c.cc.NewStream(ctx, &serviceDesc.Streams[0], listRefsMethod)
	if err != nil {
		return errors.Wrap(err, "opening stream")
	}
	if err = stream.SendMsg(wrapperspb.Bytes(start[:])); err != nil {
		return errors.Wrap(err, "sending request")
	}
	if err = stream.CloseSend(); err != nil {
		return errors.Wrap(err, "closing send side")
	}
	for {
		resp := new(wrapperspb.BytesValue)
		err := stream.RecvMsg(resp)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(fromStatus(err), "receiving response")
		}
		err = f(dat.RefFromBytes(resp.Value))
		if err != nil {
			return err
		}
	}
}

func (c *Client) Put(ctx context.Context, blob dat.Blob) (dat.Ref, bool, error) {
	resp := new(structpb.Struct)
	err := c.cc.Invoke(ctx, putMethod, wrapperspb.Bytes(blob), resp)
	if err != nil {
		return dat.Zero, false, fromStatus(err)
	}
	fields := resp.GetFields()
	ref, err := dat.RefFromHex(fields["ref"].GetStringValue())
	if err != nil {
		return dat.Zero, false, errors.Wrap(err, "parsing ref in response")
	}
	return ref, fields["added"].GetBoolValue(), nil
}

func (c *Client) GetAnchor(ctx context.Context, name string, at time.Time) (dat.Ref, error) {
	req, err := structpb.NewStruct(map[string]interface{}{
		"name": name,
		"at":   at.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return dat.Zero, errors.Wrap(err, "building request")
	}
	resp := new(wrapperspb.BytesValue)
	err = c.cc.Invoke(ctx, getAnchorMethod, req, resp)
	if err != nil {
		return dat.Zero, fromStatus(err)
	}
	return dat.RefFromBytes(resp.Value), nil
}

func (c *Client) PutAnchor(ctx context.Context, name string, ref dat.Ref, at time.Time) error {
	req, err := structpb.NewStruct(map[string]interface{}{
		"name": name,
		"ref":  ref.String(),
		"at":   at.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return errors.Wrap(err, "building request")
	}
	return fromStatus(c.cc.Invoke(ctx, putAnchorMethod, req, new(wrapperspb.BoolValue)))
}

func init() {
	store.Register("rpc", func(ctx context.Context, conf map[string]interface{}) (dat.AnchorStore, error) {
		addr, ok := conf["addr"].(string)
		if !ok {
			return nil, errors.New(`missing "addr" parameter`)
		}
		insecure, _ := conf["insecure"].(bool)
		return Dial(ctx, addr, insecure)
	})
}
