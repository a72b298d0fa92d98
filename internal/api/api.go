package api

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/metadata"

	"github.com/victornm/livequiz/internal/domain"
	"github.com/victornm/livequiz/internal/errors"
	"github.com/victornm/livequiz/internal/gate"
	"github.com/victornm/livequiz/internal/leaderboard"
	"github.com/victornm/livequiz/internal/session"
)

const (
	ServiceName = "livequiz.v1.ModeratorService"

	// IdentityHeader carries the caller's identity in gRPC metadata.
	IdentityHeader = "x-identity"
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec lets the moderator service speak JSON over gRPC (content-subtype "json").
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return "json" }

type (
	CreateSessionRequest struct {
		Settings domain.Settings `json:"settings"`
	}

	SessionRequest struct {
		SessionID     string `json:"session_id"`
		ParticipantID string `json:"participant_id,omitempty"` // RemoveParticipant
		Reason        string `json:"reason,omitempty"`         // EndSession
	}

	SessionResponse struct {
		Session domain.SessionView `json:"session"`
	}

	ListSessionsRequest struct{}

	ListSessionsResponse struct {
		Sessions []domain.SessionView `json:"sessions"`
	}
)

// ModeratorServer is the gRPC moderator control API.
type ModeratorServer interface {
	CreateSession(context.Context, *CreateSessionRequest) (*SessionResponse, error)
	StartSession(context.Context, *SessionRequest) (*SessionResponse, error)
	AdvanceRound(context.Context, *SessionRequest) (*SessionResponse, error)
	RevealRound(context.Context, *SessionRequest) (*SessionResponse, error)
	EndSession(context.Context, *SessionRequest) (*SessionResponse, error)
	RemoveParticipant(context.Context, *SessionRequest) (*SessionResponse, error)
	GetSession(context.Context, *SessionRequest) (*SessionResponse, error)
	ListSessions(context.Context, *ListSessionsRequest) (*ListSessionsResponse, error)
}

var moderatorServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ModeratorServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("CreateSession", ModeratorServer.CreateSession),
		unary("StartSession", ModeratorServer.StartSession),
		unary("AdvanceRound", ModeratorServer.AdvanceRound),
		unary("RevealRound", ModeratorServer.RevealRound),
		unary("EndSession", ModeratorServer.EndSession),
		unary("RemoveParticipant", ModeratorServer.RemoveParticipant),
		unary("GetSession", ModeratorServer.GetSession),
		unary("ListSessions", ModeratorServer.ListSessions),
	},
	Metadata: "livequiz/v1/moderator.json",
}

func unary[Req, Resp any](method string, call func(ModeratorServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			req := new(Req)
			if err := dec(req); err != nil {
				return nil, err
			}

			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(ModeratorServer), ctx, req.(*Req))
			}
			if interceptor == nil {
				return handler(ctx, req)
			}

			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
			return interceptor(ctx, req, info, handler)
		},
	}
}

type Config struct {
	GRPC        *grpc.Server
	Gate        *gate.Gate
	Sessions    *session.Registry
	Leaderboard *leaderboard.Service
}

type API struct {
	gate     *gate.Gate
	sessions *session.Registry
	lb       *leaderboard.Service
}

func New(c Config) *API {
	a := &API{
		gate:     c.Gate,
		sessions: c.Sessions,
		lb:       c.Leaderboard,
	}

	if c.GRPC != nil {
		c.GRPC.RegisterService(&moderatorServiceDesc, a)
	}

	return a
}

func (a *API) CreateSession(ctx context.Context, req *CreateSessionRequest) (*SessionResponse, error) {
	return a.execute(ctx, gate.Command{Kind: gate.KindCreate, Settings: req.Settings})
}

func (a *API) StartSession(ctx context.Context, req *SessionRequest) (*SessionResponse, error) {
	return a.execute(ctx, gate.Command{Kind: gate.KindStart, SessionID: req.SessionID})
}

func (a *API) AdvanceRound(ctx context.Context, req *SessionRequest) (*SessionResponse, error) {
	return a.execute(ctx, gate.Command{Kind: gate.KindAdvance, SessionID: req.SessionID})
}

func (a *API) RevealRound(ctx context.Context, req *SessionRequest) (*SessionResponse, error) {
	return a.execute(ctx, gate.Command{Kind: gate.KindReveal, SessionID: req.SessionID})
}

func (a *API) EndSession(ctx context.Context, req *SessionRequest) (*SessionResponse, error) {
	return a.execute(ctx, gate.Command{Kind: gate.KindEnd, SessionID: req.SessionID, Reason: req.Reason})
}

func (a *API) RemoveParticipant(ctx context.Context, req *SessionRequest) (*SessionResponse, error) {
	return a.execute(ctx, gate.Command{Kind: gate.KindRemove, SessionID: req.SessionID, Participant: req.ParticipantID})
}

func (a *API) GetSession(ctx context.Context, req *SessionRequest) (*SessionResponse, error) {
	s, err := a.sessions.Get(req.SessionID)
	if err != nil {
		return nil, err
	}

	view, err := s.View(ctx)
	if err != nil {
		return nil, err
	}

	return &SessionResponse{Session: view}, nil
}

func (a *API) ListSessions(ctx context.Context, _ *ListSessionsRequest) (*ListSessionsResponse, error) {
	views, err := a.views(ctx)
	if err != nil {
		return nil, err
	}

	return &ListSessionsResponse{Sessions: views}, nil
}

func (a *API) execute(ctx context.Context, cmd gate.Command) (*SessionResponse, error) {
	cmd.Sender = identity(ctx)

	view, err := a.gate.Execute(ctx, cmd)
	if err != nil {
		return nil, err
	}

	return &SessionResponse{Session: view}, nil
}

// views returns the sessions of this process. Sessions that finish concurrently are skipped.
func (a *API) views(ctx context.Context) ([]domain.SessionView, error) {
	sessions := a.sessions.Sessions()
	views := make([]domain.SessionView, 0, len(sessions))
	for _, s := range sessions {
		v, err := s.View(ctx)
		if err != nil {
			if errors.ReasonOf(err) == errors.ReasonNotFound {
				continue
			}
			return nil, err
		}
		views = append(views, v)
	}

	return views, nil
}

func identity(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}

	if v := md.Get(IdentityHeader); len(v) > 0 {
		return v[0]
	}
	return ""
}

// ModeratorClient calls the moderator service with the JSON codec.
type ModeratorClient struct {
	cc       grpc.ClientConnInterface
	identity string
}

func NewModeratorClient(cc grpc.ClientConnInterface, identity string) *ModeratorClient {
	return &ModeratorClient{cc: cc, identity: identity}
}

func (c *ModeratorClient) invoke(ctx context.Context, method string, req, resp any) error {
	ctx = metadata.AppendToOutgoingContext(ctx, IdentityHeader, c.identity)
	return c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, req, resp, grpc.CallContentSubtype("json"))
}

func (c *ModeratorClient) CreateSession(ctx context.Context, settings domain.Settings) (domain.SessionView, error) {
	var resp SessionResponse
	err := c.invoke(ctx, "CreateSession", &CreateSessionRequest{Settings: settings}, &resp)
	return resp.Session, err
}

func (c *ModeratorClient) call(ctx context.Context, method string, req SessionRequest) (domain.SessionView, error) {
	var resp SessionResponse
	err := c.invoke(ctx, method, &req, &resp)
	return resp.Session, err
}

func (c *ModeratorClient) StartSession(ctx context.Context, id string) (domain.SessionView, error) {
	return c.call(ctx, "StartSession", SessionRequest{SessionID: id})
}

func (c *ModeratorClient) AdvanceRound(ctx context.Context, id string) (domain.SessionView, error) {
	return c.call(ctx, "AdvanceRound", SessionRequest{SessionID: id})
}

func (c *ModeratorClient) RevealRound(ctx context.Context, id string) (domain.SessionView, error) {
	return c.call(ctx, "RevealRound", SessionRequest{SessionID: id})
}

func (c *ModeratorClient) EndSession(ctx context.Context, id, reason string) (domain.SessionView, error) {
	return c.call(ctx, "EndSession", SessionRequest{SessionID: id, Reason: reason})
}

func (c *ModeratorClient) RemoveParticipant(ctx context.Context, id, participant string) (domain.SessionView, error) {
	return c.call(ctx, "RemoveParticipant", SessionRequest{SessionID: id, ParticipantID: participant})
}

func (c *ModeratorClient) GetSession(ctx context.Context, id string) (domain.SessionView, error) {
	return c.call(ctx, "GetSession", SessionRequest{SessionID: id})
}

func (c *ModeratorClient) ListSessions(ctx context.Context) ([]domain.SessionView, error) {
	var resp ListSessionsResponse
	err := c.invoke(ctx, "ListSessions", &ListSessionsRequest{}, &resp)
	return resp.Sessions, err
}
