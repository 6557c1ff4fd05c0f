package api

import (
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/skobkin/groundlink/internal/config"
	"github.com/skobkin/groundlink/internal/domain"
	"github.com/skobkin/groundlink/internal/telecommand"
)

type healthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version,omitempty"`
	Connections int    `json:"connections"`
	Subscribers int    `json:"subscribers"`
	Pending     int    `json:"pending_commands"`
}

type fieldView struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

type messageView struct {
	Connection domain.ConnectionID `json:"connection"`
	System     uint8               `json:"system"`
	Component  uint8               `json:"component"`
	Kind       uint8               `json:"kind"`
	Name       string              `json:"name"`
	Sequence   uint8               `json:"sequence"`
	ReceivedAt time.Time           `json:"received_at"`
	Fields     []fieldView         `json:"fields"`
}

func newMessageView(msg domain.Message) messageView {
	fields := make([]fieldView, 0, msg.FieldCount())
	for _, f := range msg.Fields() {
		fields = append(fields, fieldView(f))
	}

	return messageView{
		Connection: msg.Source(),
		System:     msg.SystemID(),
		Component:  msg.ComponentID(),
		Kind:       msg.Kind(),
		Name:       msg.Name(),
		Sequence:   msg.Sequence(),
		ReceivedAt: msg.ReceivedAt(),
		Fields:     fields,
	}
}

type commandView struct {
	ID              domain.CommandID      `json:"id"`
	TargetSystem    uint8                 `json:"target_system"`
	TargetComponent uint8                 `json:"target_component"`
	Kind            uint8                 `json:"kind"`
	KindName        string                `json:"kind_name"`
	Payload         map[string]any        `json:"payload,omitempty"`
	ConnectionID    domain.ConnectionID   `json:"connection_id,omitempty"`
	SentAt          time.Time             `json:"sent_at"`
	TimeoutMS       int64                 `json:"timeout_ms"`
	Status          domain.CommandStatus  `json:"status"`
	Outcome         domain.CommandOutcome `json:"outcome,omitempty"`
	Superseded      bool                  `json:"superseded,omitempty"`
	Error           string                `json:"error,omitempty"`
	ResolvedAt      *time.Time            `json:"resolved_at,omitempty"`
	Reply           *messageView          `json:"reply,omitempty"`
}

func newCommandView(c domain.PendingCommand) commandView {
	v := commandView{
		ID:              c.ID,
		TargetSystem:    c.TargetSystem,
		TargetComponent: c.TargetComponent,
		Kind:            c.Kind,
		KindName:        c.KindName,
		Payload:         c.Payload,
		ConnectionID:    c.ConnectionID,
		SentAt:          c.SentAt,
		TimeoutMS:       c.Timeout.Milliseconds(),
		Status:          c.Status,
		Outcome:         c.Outcome,
		Superseded:      c.Superseded,
		Error:           c.Error,
	}
	if !c.ResolvedAt.IsZero() {
		at := c.ResolvedAt
		v.ResolvedAt = &at
	}
	if c.Reply != nil {
		reply := newMessageView(*c.Reply)
		v.Reply = &reply
	}

	return v
}

func commandViews(cmds []domain.PendingCommand) []commandView {
	out := make([]commandView, 0, len(cmds))
	for _, c := range cmds {
		out = append(out, newCommandView(c))
	}

	return out
}

type commandRequest struct {
	TargetSystem    uint8               `json:"target_system"`
	TargetComponent uint8               `json:"target_component"`
	Kind            uint8               `json:"kind,omitempty"`
	KindName        string              `json:"kind_name,omitempty"`
	Payload         map[string]any      `json:"payload,omitempty"`
	TimeoutMS       int                 `json:"timeout_ms,omitempty"`
	ConnectionID    domain.ConnectionID `json:"connection_id,omitempty"`
}

type submitResponse struct {
	ID      domain.CommandID `json:"id"`
	Command *commandView     `json:"command,omitempty"`
	Error   string           `json:"error,omitempty"`
}

type fieldDefView struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	ArrayLen int    `json:"array_len,omitempty"`
	Units    string `json:"units,omitempty"`
}

type messageDefView struct {
	ID      uint8                 `json:"id"`
	Name    string                `json:"name"`
	Command bool                  `json:"command"`
	Reply   domain.CommandOutcome `json:"reply,omitempty"`
	Length  int                   `json:"length"`
	Fields  []fieldDefView        `json:"fields"`
}

type profileResponse struct {
	Name       string           `json:"name"`
	Version    string           `json:"version,omitempty"`
	ReplyField string           `json:"reply_field,omitempty"`
	Messages   []messageDefView `json:"messages"`
}

func (s *Server) handleHealth(c echo.Context) error {
	resp := healthResponse{Status: "ok", Version: s.version}
	if s.connections != nil {
		resp.Connections = len(s.connections.List())
	}
	if s.bus != nil {
		resp.Subscribers = s.bus.Subscribers()
	}
	if s.commands != nil {
		resp.Pending = len(s.commands.Pending())
	}

	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleMetrics(c echo.Context) error {
	if s.metrics == nil {
		return newServiceUnavailableError("metrics are disabled")
	}
	s.metrics.Handler().ServeHTTP(c.Response(), c.Request())

	return nil
}

func (s *Server) handleProfileMessages(c echo.Context) error {
	defs := s.profile.Messages()
	resp := profileResponse{
		Name:       s.profile.Name(),
		Version:    s.profile.Version(),
		ReplyField: s.profile.ReplyField(),
		Messages:   make([]messageDefView, 0, len(defs)),
	}
	for _, def := range defs {
		view := messageDefView{
			ID:      def.ID,
			Name:    def.Name,
			Command: def.IsCommand(),
			Reply:   def.Reply,
			Length:  def.Length,
			Fields:  make([]fieldDefView, 0, len(def.Fields)),
		}
		for _, f := range def.Fields {
			view.Fields = append(view.Fields, fieldDefView{Name: f.Name, Type: f.Type.String(), ArrayLen: f.ArrayLen, Units: f.Units})
		}
		resp.Messages = append(resp.Messages, view)
	}

	return c.JSON(http.StatusOK, resp)
}

// handleRecentMessages answers with stored messages in receipt order. It takes the same
// filters as the live stream plus limit, which keeps only the newest matches.
func (s *Server) handleRecentMessages(c echo.Context) error {
	if s.recent == nil {
		return newServiceUnavailableError("message history is disabled")
	}
	filter, err := s.liveFilter(c)
	if err != nil {
		return newBadRequestError("invalid message filter", err)
	}
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil || limit < 0 {
			return newBadRequestError("limit must be a non-negative integer", err)
		}
	}

	stored := s.recent.Latest(filter.Kinds, 0)
	views := make([]messageView, 0, len(stored))
	for _, msg := range stored {
		if filter.Accepts(msg) {
			views = append(views, newMessageView(msg))
		}
	}
	if limit > 0 && len(views) > limit {
		views = views[len(views)-limit:]
	}

	return c.JSON(http.StatusOK, views)
}

func (s *Server) requireConnections() error {
	if s.connections == nil {
		return newServiceUnavailableError("connection manager is not running")
	}

	return nil
}

func (s *Server) handleListConnections(c echo.Context) error {
	if err := s.requireConnections(); err != nil {
		return err
	}
	list := s.connections.List()
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })

	return c.JSON(http.StatusOK, list)
}

func (s *Server) handleAddConnection(c echo.Context) error {
	if err := s.requireConnections(); err != nil {
		return err
	}

	var req config.SourceConfig
	if err := c.Bind(&req); err != nil {
		return newBadRequestError("invalid request body", err)
	}
	req.Type = config.SourceType(strings.ToLower(strings.TrimSpace(string(req.Type))))
	if req.Type == config.SourceSerial && req.Baud <= 0 {
		req.Baud = config.DefaultSerialBaud
	}
	kind, err := req.Kind()
	if err != nil {
		return newBadRequestError("invalid connection", err)
	}

	id, err := s.connections.Add(kind)
	if err != nil {
		return fromDomainError("failed to add connection", err)
	}
	snap, err := s.connections.Get(id)
	if err != nil {
		return fromDomainError("connection vanished", err)
	}

	return c.JSON(http.StatusCreated, snap)
}

func (s *Server) handleGetConnection(c echo.Context) error {
	if err := s.requireConnections(); err != nil {
		return err
	}
	id, err := parseID(c.Param("id"))
	if err != nil {
		return newBadRequestError("invalid connection id", err)
	}
	snap, err := s.connections.Get(domain.ConnectionID(id))
	if err != nil {
		return fromDomainError("failed to get connection", err)
	}

	return c.JSON(http.StatusOK, snap)
}

func (s *Server) handleRemoveConnection(c echo.Context) error {
	if err := s.requireConnections(); err != nil {
		return err
	}
	id, err := parseID(c.Param("id"))
	if err != nil {
		return newBadRequestError("invalid connection id", err)
	}
	if err := s.connections.Remove(domain.ConnectionID(id)); err != nil {
		return fromDomainError("failed to remove connection", err)
	}

	return c.NoContent(http.StatusNoContent)
}

func (s *Server) requireCommands() error {
	if s.commands == nil {
		return newServiceUnavailableError("telecommand tracker is not running")
	}

	return nil
}

func (s *Server) handleListCommands(c echo.Context) error {
	if err := s.requireCommands(); err != nil {
		return err
	}
	if pending, _ := strconv.ParseBool(c.QueryParam("pending")); pending {
		return c.JSON(http.StatusOK, commandViews(s.commands.Pending()))
	}

	return c.JSON(http.StatusOK, commandViews(s.commands.History()))
}

func (s *Server) handleSubmitCommand(c echo.Context) error {
	if err := s.requireCommands(); err != nil {
		return err
	}

	var req commandRequest
	if err := c.Bind(&req); err != nil {
		return newBadRequestError("invalid request body", err)
	}
	if req.TimeoutMS < 0 {
		return newBadRequestError("timeout_ms must not be negative", nil)
	}

	id, err := s.commands.Submit(c.Request().Context(), telecommand.Command{
		TargetSystem:    req.TargetSystem,
		TargetComponent: req.TargetComponent,
		Kind:            req.Kind,
		KindName:        req.KindName,
		Payload:         req.Payload,
		Timeout:         config.Millis(req.TimeoutMS),
		ConnectionID:    req.ConnectionID,
	})
	if id == 0 {
		return fromDomainError("failed to submit command", err)
	}

	// The command exists even when sending failed; its record carries the failure.
	resp := submitResponse{ID: id}
	if cmd, getErr := s.commands.Get(id); getErr == nil {
		view := newCommandView(cmd)
		resp.Command = &view
	}
	if err != nil {
		resp.Error = err.Error()
		return c.JSON(http.StatusBadGateway, resp)
	}

	return c.JSON(http.StatusAccepted, resp)
}

func (s *Server) handleGetCommand(c echo.Context) error {
	if err := s.requireCommands(); err != nil {
		return err
	}
	id, err := parseID(c.Param("id"))
	if err != nil {
		return newBadRequestError("invalid command id", err)
	}
	cmd, err := s.commands.Get(domain.CommandID(id))
	if err != nil {
		return fromDomainError("failed to get command", err)
	}

	return c.JSON(http.StatusOK, newCommandView(cmd))
}

func (s *Server) handleListRecordings(c echo.Context) error {
	if s.recordings == nil {
		return newServiceUnavailableError("recording catalog is not available")
	}
	list, err := s.recordings.List(c.Request().Context())
	if err != nil {
		return fromDomainError("failed to list recordings", err)
	}
	if list == nil {
		list = []domain.SegmentRecord{}
	}

	return c.JSON(http.StatusOK, list)
}

func parseID(raw string) (uint64, error) {
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, err
	}
	if id == 0 {
		return 0, errors.New("id must be positive")
	}

	return id, nil
}
