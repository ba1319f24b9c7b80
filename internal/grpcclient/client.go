package grpcclient

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/retina-check/internal/logging"
)

// DialPredictor returns a ready-to-use client for a remote model server.
func DialPredictor(ctx context.Context, addr string, logger *zap.Logger) (*RemotePredictor, *grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := grpc.DialContext(
		dialCtx,
		addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_predictor", "", err)
		logger.Error("failed to dial predictor", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}
	return NewRemotePredictor(conn, logger), conn, nil
}

// RemotePredictor implements classifier.Predictor over gRPC.
type RemotePredictor struct {
	conn   grpc.ClientConnInterface
	logger *zap.Logger
}

// NewRemotePredictor wraps an existing connection.
func NewRemotePredictor(conn grpc.ClientConnInterface, logger *zap.Logger) *RemotePredictor {
	return &RemotePredictor{conn: conn, logger: logger.Named("grpc_predictor")}
}

// Predict sends the tensor to the model server and returns its scores.
func (p *RemotePredictor) Predict(ctx context.Context, tensor []float32) ([]float32, error) {
	req := wrapperspb.Bytes(encodeTensor(tensor))
	resp := &structpb.ListValue{}
	if err := p.conn.Invoke(ctx, predictMethod, req, resp); err != nil {
		wrapped := logging.NewOperationError("grpcclient.predict", "", err)
		p.logger.Error("predictor call failed", zap.Error(wrapped))
		return nil, wrapped
	}

	values := resp.GetValues()
	scores := make([]float32, len(values))
	for i, v := range values {
		if _, ok := v.GetKind().(*structpb.Value_NumberValue); !ok {
			return nil, fmt.Errorf("score %d is not a number", i)
		}
		scores[i] = float32(v.GetNumberValue())
	}
	return scores, nil
}
