package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/joseph-ayodele/ocrpipe/internal/auth"
	"github.com/joseph-ayodele/ocrpipe/internal/common"
	"github.com/joseph-ayodele/ocrpipe/internal/core/progress"
	"github.com/joseph-ayodele/ocrpipe/internal/repository"
)

const (
	ProgressServiceName = "ocrpipe.v1.ProgressService"
	watchMethod         = "/" + ProgressServiceName + "/Watch"
)

// ProgressServiceServer streams progress events for one image.
type ProgressServiceServer interface {
	Watch(*wrapperspb.StringValue, grpc.ServerStreamingServer[structpb.Struct]) error
}

// ProgressServiceDesc is registered by hand; messages are protobuf well-known types.
var ProgressServiceDesc = grpc.ServiceDesc{
	ServiceName: ProgressServiceName,
	HandlerType: (*ProgressServiceServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Watch",
			Handler:       watchHandler,
			ServerStreams: true,
		},
	},
	Metadata: "ocrpipe/v1/progress.proto",
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	req := new(wrapperspb.StringValue)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(ProgressServiceServer).Watch(req, &grpc.GenericServerStream[wrapperspb.StringValue, structpb.Struct]{ServerStream: stream})
}

// RegisterProgressServiceServer registers srv on s.
func RegisterProgressServiceServer(s grpc.ServiceRegistrar, srv ProgressServiceServer) {
	s.RegisterService(&ProgressServiceDesc, srv)
}

// ActivityChecker reports whether an image has OCR work queued or running.
type ActivityChecker interface {
	Active(imageID uuid.UUID) bool
}

// ProgressService bridges the broadcaster to gRPC streams.
type ProgressService struct {
	broadcaster  *progress.Broadcaster
	store        *repository.Store
	activity     ActivityChecker
	pollInterval time.Duration
	logger       *slog.Logger
}

type ProgressOption func(*ProgressService)

// WithPollInterval sets how often an open stream rechecks whether the image has settled.
func WithPollInterval(d time.Duration) ProgressOption {
	return func(s *ProgressService) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

func NewProgressService(b *progress.Broadcaster, store *repository.Store, activity ActivityChecker, logger *slog.Logger, opts ...ProgressOption) *ProgressService {
	if logger == nil {
		logger = slog.Default()
	}
	s := &ProgressService{
		broadcaster:  b,
		store:        store,
		activity:     activity,
		pollInterval: 2 * time.Second,
		logger:       logger,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Watch sends every event published for the image after the call and ends after completed.
// An image that is already processed with nothing in flight gets completed immediately.
func (s *ProgressService) Watch(req *wrapperspb.StringValue, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	ctx := stream.Context()
	v := common.NewValidator().Field("image_id", req.GetValue(), common.Required, common.UUID)
	if err := common.ValidateAndReturnError(v); err != nil {
		return err
	}
	imageID := uuid.MustParse(req.GetValue())

	img, err := s.store.Images.GetByID(ctx, imageID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return common.NotFoundError("image not found")
		}
		s.logger.Error("watch image lookup failed", "image_id", imageID, "error", err)
		return common.UnavailableError("metadata store unavailable")
	}
	if claims, ok := auth.ClaimsFromContext(ctx); ok && !claims.CanAccess(img.UploadedBy) {
		return common.PermissionDeniedError("not allowed to watch this image")
	}

	topic := imageID.String()
	connID := uuid.NewString()
	sub := s.broadcaster.Subscribe(topic, connID)
	defer s.broadcaster.Unsubscribe(topic, connID)
	log := s.logger.With("image_id", imageID, "conn_id", connID)
	log.Debug("watch started")

	if s.settled(ctx, imageID) {
		log.Debug("watch: image already settled")
		return stream.Send(eventToStruct(progress.CompletedEvent(topic)))
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Debug("watch cancelled by client", "dropped", sub.Dropped())
			return status.FromContextError(ctx.Err()).Err()
		case ev, ok := <-sub.C:
			if !ok {
				return nil
			}
			if err := stream.Send(eventToStruct(ev)); err != nil {
				return err
			}
			if ev.Completed {
				log.Debug("watch completed", "dropped", sub.Dropped())
				return nil
			}
		case <-ticker.C:
			if s.settled(ctx, imageID) {
				log.Debug("watch settled by poll", "dropped", sub.Dropped())
				return stream.Send(eventToStruct(progress.CompletedEvent(topic)))
			}
		}
	}
}

// settled is true when the image has a terminal outcome and no job queued or running.
func (s *ProgressService) settled(ctx context.Context, imageID uuid.UUID) bool {
	if s.activity != nil && s.activity.Active(imageID) {
		return false
	}
	img, err := s.store.Images.GetByID(ctx, imageID)
	if err != nil || !img.OCRProcessed {
		return false
	}
	running, err := s.store.Jobs.HasActive(ctx, imageID)
	if err != nil {
		s.logger.Warn("watch job check failed", "image_id", imageID, "error", err)
		return false
	}
	return !running
}

func eventToStruct(ev progress.Event) *structpb.Struct {
	fields := map[string]*structpb.Value{
		"imageId": structpb.NewStringValue(ev.ImageID),
	}
	if ev.Completed {
		fields["completed"] = structpb.NewBoolValue(true)
	} else {
		fields["progress"] = structpb.NewNumberValue(float64(ev.Progress))
	}
	return &structpb.Struct{Fields: fields}
}

// EventFromStruct decodes a streamed message.
func EventFromStruct(s *structpb.Struct) progress.Event {
	f := s.GetFields()
	return progress.Event{
		ImageID:   f["imageId"].GetStringValue(),
		Progress:  int(f["progress"].GetNumberValue()),
		Completed: f["completed"].GetBoolValue(),
	}
}

// WatchProgress opens a Watch stream for imageID.
func WatchProgress(ctx context.Context, cc grpc.ClientConnInterface, imageID string, opts ...grpc.CallOption) (grpc.ServerStreamingClient[structpb.Struct], error) {
	stream, err := cc.NewStream(ctx, &ProgressServiceDesc.Streams[0], watchMethod, opts...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[wrapperspb.StringValue, structpb.Struct]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(wrapperspb.String(imageID)); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
