package observability

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"live-transcription-service/internal/observability/metrics"
)

// UnaryServerInterceptor returns a gRPC unary interceptor that logs calls
// served by the host (health checks).
func UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		start := time.Now()

		resp, err := handler(ctx, req)

		st, _ := status.FromError(err)
		log.Debug().
			Str("method", info.FullMethod).
			Str("code", st.Code().String()).
			Dur("duration", time.Since(start)).
			Msg("gRPC unary call")

		return resp, err
	}
}

// StreamClientInterceptor returns a gRPC client interceptor for outbound
// recognition streams. It logs stream open and completion and counts
// non-OK completions per provider.
func StreamClientInterceptor(provider string, m *metrics.Metrics) grpc.StreamClientInterceptor {
	return func(
		ctx context.Context,
		desc *grpc.StreamDesc,
		cc *grpc.ClientConn,
		method string,
		streamer grpc.Streamer,
		opts ...grpc.CallOption,
	) (grpc.ClientStream, error) {
		start := time.Now()

		cs, err := streamer(ctx, desc, cc, method, opts...)
		if err != nil {
			code := status.Code(err)
			m.RecordSTTError(provider, "grpc_"+code.String())
			log.Warn().
				Str("method", method).
				Str("sttProvider", provider).
				Str("code", code.String()).
				Err(err).
				Msg("gRPC stream open failed")
			return nil, err
		}

		log.Debug().
			Str("method", method).
			Str("sttProvider", provider).
			Msg("gRPC stream opened")

		return &observedClientStream{
			ClientStream: cs,
			method:       method,
			provider:     provider,
			start:        start,
			metrics:      m,
		}, nil
	}
}

type observedClientStream struct {
	grpc.ClientStream
	method   string
	provider string
	start    time.Time
	metrics  *metrics.Metrics
	once     sync.Once
}

func (s *observedClientStream) RecvMsg(msg interface{}) error {
	err := s.ClientStream.RecvMsg(msg)
	if err != nil {
		s.once.Do(func() { s.done(err) })
	}
	return err
}

func (s *observedClientStream) done(err error) {
	code := codes.OK
	if !errors.Is(err, io.EOF) {
		code = status.Code(err)
	}
	if code != codes.OK {
		s.metrics.RecordSTTError(s.provider, "grpc_"+code.String())
	}

	log.Info().
		Str("method", s.method).
		Str("sttProvider", s.provider).
		Str("code", code.String()).
		Dur("duration", time.Since(s.start)).
		Bool("success", code == codes.OK).
		Msg("gRPC stream completed")
}
