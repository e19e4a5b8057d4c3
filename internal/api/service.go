package api

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/nebula/internal/backend"
	"github.com/matheus3301/nebula/internal/bus"
	"github.com/matheus3301/nebula/internal/call"
	"github.com/matheus3301/nebula/internal/chat"
	"github.com/matheus3301/nebula/internal/coordinator"
)

// Engine is the session surface the control plane drives.
type Engine interface {
	Status(ctx context.Context) (coordinator.Status, error)
	Self(ctx context.Context) (chat.User, error)
	Contacts(ctx context.Context) ([]coordinator.ContactView, error)
	Messages(ctx context.Context, peer string) ([]chat.Message, error)
	Select(ctx context.Context, peer string) (coordinator.Conversation, error)
	Refresh(ctx context.Context, peer string) error
	SetDraft(ctx context.Context, text, replyTo string) error
	SendText(ctx context.Context, text string) (string, error)
	SendFile(ctx context.Context, path string) (string, error)
	AddContact(ctx context.Context, shareCode string) (chat.Contact, error)
	UpdateProfile(ctx context.Context, upd backend.ProfileUpdate) (chat.User, error)
	SetFlags(ctx context.Context, peer string, flags chat.Flags) (chat.Contact, error)
	StartCall(ctx context.Context, peer string, media call.Media) (coordinator.CallEvent, error)
	AnswerCall(ctx context.Context) (coordinator.CallEvent, error)
	EndCall(ctx context.Context) (coordinator.CallEvent, error)
}

var _ Engine = (*coordinator.Session)(nil)

// ControlService implements ControlServer over an Engine.
type ControlService struct {
	session   string
	startedAt time.Time
	engine    Engine
	bus       *bus.Bus
	logger    *zap.Logger
}

var _ ControlServer = (*ControlService)(nil)

// NewControlService creates the service for the named session.
func NewControlService(session string, engine Engine, b *bus.Bus, logger *zap.Logger) *ControlService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ControlService{
		session:   session,
		startedAt: time.Now(),
		engine:    engine,
		bus:       b,
		logger:    logger.Named("api"),
	}
}

func (s *ControlService) GetStatus(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	st, err := s.engine.Status(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]any{
		"session":          s.session,
		"uptime_ms":        time.Since(s.startedAt).Milliseconds(),
		"identity":         st.Identity,
		"name":             st.Name,
		"share_id":         st.ShareID,
		"channel":          string(st.Channel),
		"channel_since_ms": millis(st.ChannelSince),
		"active":           st.Active,
		"call":             callMap(st.Call),
		"contacts":         st.Contacts,
		"pending_sends":    st.PendingSends,
	})
}

func (s *ControlService) GetProfile(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	u, err := s.engine.Self(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(userMap(u))
}

func (s *ControlService) ListContacts(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	contacts, err := s.engine.Contacts(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	list := make([]any, 0, len(contacts))
	for _, c := range contacts {
		list = append(list, contactViewMap(c))
	}
	return toStruct(map[string]any{"contacts": list})
}

func (s *ControlService) ListMessages(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	msgs, err := s.engine.Messages(ctx, str(in, "contact_id"))
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]any{"messages": messagesList(msgs)})
}

func (s *ControlService) SelectConversation(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id := str(in, "contact_id")
	if id == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "contact_id is required")
	}
	conv, err := s.engine.Select(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(conversationMap(conv))
}

func (s *ControlService) RefreshConversation(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if err := s.engine.Refresh(ctx, str(in, "contact_id")); err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]any{"accepted": true})
}

func (s *ControlService) SetDraft(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if err := s.engine.SetDraft(ctx, str(in, "text"), str(in, "reply_to")); err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]any{"saved": true})
}

func (s *ControlService) SendText(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	tempID, err := s.engine.SendText(ctx, str(in, "text"))
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]any{"accepted": true, "temp_id": tempID})
}

func (s *ControlService) SendFile(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	path := str(in, "path")
	if path == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "path is required")
	}
	tempID, err := s.engine.SendFile(ctx, path)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]any{"accepted": true, "temp_id": tempID})
}

func (s *ControlService) AddContact(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	code := str(in, "share_code")
	if code == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "share_code is required")
	}
	c, err := s.engine.AddContact(ctx, code)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(contactMap(c))
}

func (s *ControlService) UpdateProfile(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	u, err := s.engine.UpdateProfile(ctx, backend.ProfileUpdate{
		Name:   str(in, "name"),
		About:  str(in, "about"),
		Avatar: str(in, "avatar"),
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(userMap(u))
}

// SetContactFlags changes only the flags present in the request.
func (s *ControlService) SetContactFlags(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id := str(in, "contact_id")
	if id == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "contact_id is required")
	}
	contacts, err := s.engine.Contacts(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	var flags chat.Flags
	found := false
	for _, c := range contacts {
		if c.ID == id {
			flags, found = c.Flags, true
			break
		}
	}
	if !found {
		return nil, toStatus(fmt.Errorf("%w: %s", coordinator.ErrUnknownContact, id))
	}
	if v, ok := optBool(in, "muted"); ok {
		flags.Muted = v
	}
	if v, ok := optBool(in, "blocked"); ok {
		flags.Blocked = v
	}
	if v, ok := optBool(in, "favorite"); ok {
		flags.Favorite = v
	}
	c, err := s.engine.SetFlags(ctx, id, flags)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(contactMap(c))
}

func (s *ControlService) StartCall(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	media := call.Media(str(in, "kind"))
	if media == "" {
		media = call.Audio
	}
	if !media.Valid() {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "kind must be audio or video, got %q", media)
	}
	ev, err := s.engine.StartCall(ctx, str(in, "contact_id"), media)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(callMap(ev))
}

func (s *ControlService) AnswerCall(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	ev, err := s.engine.AnswerCall(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(callMap(ev))
}

func (s *ControlService) EndCall(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	ev, err := s.engine.EndCall(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(callMap(ev))
}

// WatchEvents streams bus events under the requested namespace until the
// client goes away.
func (s *ControlService) WatchEvents(in *structpb.Struct, stream grpc.ServerStream) error {
	ch, unsub := s.bus.Subscribe(str(in, "namespace"), 256)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			env, err := toStruct(map[string]any{
				"event_id":            uuid.New().String(),
				"session":             s.session,
				"kind":                evt.Kind,
				"occurred_at_unix_ms": evt.Timestamp.UnixMilli(),
				"payload":             payloadMap(evt.Payload),
			})
			if err != nil {
				s.logger.Warn("dropping unencodable event", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if err := stream.SendMsg(env); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}
