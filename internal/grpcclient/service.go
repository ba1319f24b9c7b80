package grpcclient

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/retina-check/internal/classifier"
)

// The wire contract uses protobuf well-known types so no generated code is needed:
// the request is a BytesValue holding the little-endian float32 tensor and the
// response is a ListValue of numbers, one per severity class.
const (
	serviceName   = "retinopathy.v1.Predictor"
	predictMethod = "/" + serviceName + "/Predict"
)

var predictorServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Predict", Handler: predictHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "retinopathy/v1/predictor.proto",
}

type predictorServer struct {
	predictor classifier.Predictor
	logger    *zap.Logger
}

// RegisterPredictorServer exposes predictor on s.
func RegisterPredictorServer(s *grpc.Server, predictor classifier.Predictor, logger *zap.Logger) {
	s.RegisterService(&predictorServiceDesc, &predictorServer{
		predictor: predictor,
		logger:    logger.Named("predictor_server"),
	})
}

func (s *predictorServer) predict(ctx context.Context, req *wrapperspb.BytesValue) (*structpb.ListValue, error) {
	tensor, err := decodeTensor(req.GetValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	scores, err := s.predictor.Predict(ctx, tensor)
	if err != nil {
		s.logger.Error("prediction failed", zap.Error(err))
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, status.Error(codes.DeadlineExceeded, err.Error())
		}
		return nil, status.Error(codes.Internal, "prediction failed")
	}

	values := make([]*structpb.Value, len(scores))
	for i, v := range scores {
		values[i] = structpb.NewNumberValue(float64(v))
	}
	return &structpb.ListValue{Values: values}, nil
}

func predictHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	s := srv.(*predictorServer)
	if interceptor == nil {
		return s.predict(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: predictMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return s.predict(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func encodeTensor(tensor []float32) []byte {
	buf := make([]byte, 4*len(tensor))
	for i, v := range tensor {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return buf
}

func decodeTensor(buf []byte) ([]float32, error) {
	if len(buf) == 0 || len(buf)%4 != 0 {
		return nil, fmt.Errorf("tensor payload of %d bytes is not a float32 array", len(buf))
	}
	out := make([]float32, len(buf)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return out, nil
}
