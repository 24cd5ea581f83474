package rpc

import (
	"context"
	"errors"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Service is the camera side of the firmware management service.
type Service interface {
	GetUpgradeState(ctx context.Context) (string, error)
	GetDeviceVersion(ctx context.Context) (string, error)
	// UpgradeDevice receives a whole firmware package.
	UpgradeDevice(ctx context.Context, data []byte) error
	// UpgradeVerify commits the booted firmware, reporting progress via send.
	UpgradeVerify(ctx context.Context, send func(VerifyStatus) error) error
	Reboot(ctx context.Context) error
}

// Register exposes svc on s.
func Register(s *grpc.Server, svc Service) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*Service)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "GetUpgradeState", Handler: handleGetUpgradeState},
			{MethodName: "GetDeviceVersion", Handler: handleGetDeviceVersion},
			{MethodName: "Reboot", Handler: handleReboot},
		},
		Streams: []grpc.StreamDesc{
			{StreamName: "UpgradeDevice", Handler: handleUpgradeDevice, ClientStreams: true},
			{StreamName: "UpgradeVerify", Handler: handleUpgradeVerify, ServerStreams: true},
		},
	}, svc)
}

func handleGetUpgradeState(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
	if err := dec(&emptypb.Empty{}); err != nil {
		return nil, err
	}
	state, err := srv.(Service).GetUpgradeState(ctx)
	if err != nil {
		return nil, err
	}
	return structpb.NewStruct(map[string]any{"state": state})
}

func handleGetDeviceVersion(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
	if err := dec(&emptypb.Empty{}); err != nil {
		return nil, err
	}
	v, err := srv.(Service).GetDeviceVersion(ctx)
	if err != nil {
		return nil, err
	}
	return wrapperspb.String(v), nil
}

func handleReboot(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
	if err := dec(&emptypb.Empty{}); err != nil {
		return nil, err
	}
	if err := srv.(Service).Reboot(ctx); err != nil {
		return nil, err
	}
	return &emptypb.Empty{}, nil
}

func handleUpgradeDevice(srv any, stream grpc.ServerStream) error {
	var data []byte
	for {
		chunk := &wrapperspb.BytesValue{}
		if err := stream.RecvMsg(chunk); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return err
		}
		data = append(data, chunk.GetValue()...)
	}
	resp := map[string]any{}
	if err := srv.(Service).UpgradeDevice(stream.Context(), data); err != nil {
		resp["error"] = err.Error()
	}
	s, err := structpb.NewStruct(resp)
	if err != nil {
		return err
	}
	return stream.SendMsg(s)
}

func handleUpgradeVerify(srv any, stream grpc.ServerStream) error {
	if err := stream.RecvMsg(&emptypb.Empty{}); err != nil {
		return err
	}
	return srv.(Service).UpgradeVerify(stream.Context(), func(st VerifyStatus) error {
		s, err := structpb.NewStruct(map[string]any{
			"stage":    st.Stage,
			"progress": st.Progress,
			"done":     st.Done,
			"error":    st.Error,
		})
		if err != nil {
			return err
		}
		return stream.SendMsg(s)
	})
}
