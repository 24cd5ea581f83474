// Package rpc talks to cameras that expose firmware management as a gRPC
// service.
//
// Messages use the well-known protobuf types, so no generated code is
// needed on either side.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const ServiceName = "huddly.HuddlyService"

const (
	MethodGetUpgradeState  = "/" + ServiceName + "/GetUpgradeState"
	MethodGetDeviceVersion = "/" + ServiceName + "/GetDeviceVersion"
	MethodUpgradeDevice    = "/" + ServiceName + "/UpgradeDevice"
	MethodUpgradeVerify    = "/" + ServiceName + "/UpgradeVerify"
	MethodReboot           = "/" + ServiceName + "/Reboot"
)

// Upgrade states reported by GetUpgradeState.
const (
	StateIdle          = "idle"
	StateVerifyPending = "verify_pending"
)

// DefaultChunkSize is the size of each message of an upload stream.
const DefaultChunkSize = 32 << 10

const defaultCallTimeout = 10 * time.Second

// unaryTimeout applies a default deadline to calls that have none.
func unaryTimeout(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultCallTimeout)
		defer cancel()
	}
	return invoker(ctx, method, req, reply, cc, opts...)
}

// Client is a connection to one camera's service.
type Client struct {
	cc     grpc.ClientConnInterface
	closer io.Closer
}

// Dial creates a client for the camera at target, e.g. "169.254.1.1:50051".
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(unaryTimeout),
	}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize gRPC client for %q: %w", target, err)
	}
	return &Client{cc: conn, closer: conn}, nil
}

// NewClient wraps an existing connection. Close does not close it.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer.Close()
}

// Call runs a unary method.
func (c *Client) Call(ctx context.Context, method string, req, resp proto.Message) error {
	return c.cc.Invoke(ctx, method, req, resp)
}

// Upload streams data to a client-streaming method in chunks and returns its
// single response.
func (c *Client) Upload(ctx context.Context, method string, data []byte, chunkSize int, resp proto.Message, progress func(sent int)) error {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stream, err := c.cc.NewStream(ctx, &grpc.StreamDesc{ClientStreams: true}, method)
	if err != nil {
		return err
	}
	for off := 0; off < len(data); off += chunkSize {
		end := min(off+chunkSize, len(data))
		if err := stream.SendMsg(wrapperspb.Bytes(data[off:end])); err != nil {
			if errors.Is(err, io.EOF) {
				// The server ended the stream early; its status is in RecvMsg.
				break
			}
			return fmt.Errorf("sending chunk at %d: %w", off, err)
		}
		if progress != nil {
			progress(end)
		}
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	return stream.RecvMsg(resp)
}

// Watch runs a server-streaming method, calling fn for every message until
// the server ends the stream or fn fails.
func (c *Client) Watch(ctx context.Context, method string, req proto.Message, fn func(*structpb.Struct) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stream, err := c.cc.NewStream(ctx, &grpc.StreamDesc{ServerStreams: true}, method)
	if err != nil {
		return err
	}
	if err := stream.SendMsg(req); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		m := &structpb.Struct{}
		if err := stream.RecvMsg(m); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := fn(m); err != nil {
			return err
		}
	}
}

// UpgradeState returns the camera's firmware upgrade state.
func (c *Client) UpgradeState(ctx context.Context) (string, error) {
	resp := &structpb.Struct{}
	if err := c.Call(ctx, MethodGetUpgradeState, &emptypb.Empty{}, resp); err != nil {
		return "", err
	}
	return resp.GetFields()["state"].GetStringValue(), nil
}

// DeviceVersion returns the running firmware version.
func (c *Client) DeviceVersion(ctx context.Context) (string, error) {
	resp := &wrapperspb.StringValue{}
	if err := c.Call(ctx, MethodGetDeviceVersion, &emptypb.Empty{}, resp); err != nil {
		return "", err
	}
	return resp.GetValue(), nil
}

func (c *Client) Reboot(ctx context.Context) error {
	return c.Call(ctx, MethodReboot, &emptypb.Empty{}, &emptypb.Empty{})
}

// UpgradeDevice streams a firmware package to the camera.
func (c *Client) UpgradeDevice(ctx context.Context, data []byte, progress func(sent int)) error {
	resp := &structpb.Struct{}
	if err := c.Upload(ctx, MethodUpgradeDevice, data, DefaultChunkSize, resp, progress); err != nil {
		return err
	}
	if msg := resp.GetFields()["error"].GetStringValue(); msg != "" {
		return fmt.Errorf("camera rejected firmware: %s", msg)
	}
	return nil
}

// VerifyStatus is one message of the verification stream.
type VerifyStatus struct {
	Stage    string
	Progress float64
	Done     bool
	Error    string
}

func verifyStatusFrom(s *structpb.Struct) VerifyStatus {
	f := s.GetFields()
	return VerifyStatus{
		Stage:    f["stage"].GetStringValue(),
		Progress: f["progress"].GetNumberValue(),
		Done:     f["done"].GetBoolValue(),
		Error:    f["error"].GetStringValue(),
	}
}

// UpgradeVerify asks the camera to commit the firmware it booted into.
func (c *Client) UpgradeVerify(ctx context.Context, fn func(VerifyStatus)) (VerifyStatus, error) {
	var last VerifyStatus
	err := c.Watch(ctx, MethodUpgradeVerify, &emptypb.Empty{}, func(s *structpb.Struct) error {
		last = verifyStatusFrom(s)
		if fn != nil {
			fn(last)
		}
		return nil
	})
	return last, err
}
