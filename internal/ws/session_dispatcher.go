package ws

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/saker-ai/avatar-runtime/internal/protocol"
	"github.com/saker-ai/avatar-runtime/internal/viewer/anim"
	"github.com/saker-ai/avatar-runtime/internal/viewer/model"
)

type commandHandler func(context.Context, protocol.ClientCommand)

func (s *session) dispatch(ctx context.Context, cmd protocol.ClientCommand) {
	handlers := map[string]commandHandler{
		"load-model":       s.onLoadModel,
		"fetch-models":     s.onFetchModels,
		"play-animation":   s.onPlayAnimation,
		"stop-animation":   s.onStopAnimation,
		"pause-animation":  s.onPauseAnimation,
		"resume-animation": s.onResumeAnimation,
		"set-expression":   s.onSetExpression,
		"drag-start":       s.onDragStart,
		"drag-move":        s.onDragMove,
		"drag-end":         s.onDragEnd,
		"wheel":            s.onWheel,
		"reset-transform":  s.onResetTransform,
		"touch-model":      s.onTouchModel,
		"surface-resize":   s.onSurfaceResize,
		"surface-report":   s.onSurfaceReport,
		"fetch-stats":      s.onFetchStats,
		"heartbeat":        s.onHeartbeat,
	}

	if handler, ok := handlers[cmd.Type]; ok {
		handler(ctx, cmd)
		return
	}
	s.logger.Debug("ws unknown command type",
		zap.String("session_id", s.id),
		zap.String("type", cmd.Type),
	)
}

func (s *session) onLoadModel(ctx context.Context, cmd protocol.ClientCommand) {
	if cmd.Model == "" {
		s.sendError("load-model needs a model name")
		return
	}
	rec, err := s.handler.registry.Resolve(cmd.Model)
	if err != nil {
		s.sendError(err.Error())
		return
	}
	cfg := model.LoadConfig{
		ID:        rec.Name,
		BundleRef: rec.URL,
		InitialTransform: model.Transform{
			X:     rec.XShift,
			Y:     rec.YShift,
			Scale: rec.Scale,
		},
		IdleGroup: rec.IdleGroup,
	}
	if cfg.InitialTransform.Scale == 0 {
		cfg.InitialTransform.Scale = model.DefaultTransform().Scale
	}
	// Fetch and decode can take a while; keep the read loop free for
	// heartbeats. Outcomes reach the client through the session callbacks.
	go func() {
		_ = s.viewer.Load(ctx, cfg)
	}()
}

func (s *session) onFetchModels(_ context.Context, _ protocol.ClientCommand) {
	s.sendModelList()
}

func (s *session) onPlayAnimation(_ context.Context, cmd protocol.ClientCommand) {
	typ, known := anim.ParseType(cmd.Animation)
	if !known {
		typ = anim.TypeCustom
	}
	group := cmd.Group
	if group == "" {
		group = cmd.Animation
	}
	if group == "" {
		s.sendError("play-animation needs a group or animation name")
		return
	}
	req := anim.Request{
		Type:        typ,
		Group:       group,
		Index:       cmd.Index,
		Priority:    anim.Priority(cmd.Priority),
		Loop:        cmd.Loop,
		RepeatCount: cmd.RepeatCount,
		FadeIn:      time.Duration(cmd.FadeInMS) * time.Millisecond,
		FadeOut:     time.Duration(cmd.FadeOutMS) * time.Millisecond,
		Rate:        cmd.Rate,
	}
	if err := s.viewer.Play(req); err != nil {
		s.sendError(err.Error())
	}
}

func (s *session) onStopAnimation(_ context.Context, _ protocol.ClientCommand) {
	s.viewer.StopAnimation()
}

func (s *session) onPauseAnimation(_ context.Context, _ protocol.ClientCommand) {
	s.viewer.PauseAnimation()
}

func (s *session) onResumeAnimation(_ context.Context, _ protocol.ClientCommand) {
	s.viewer.ResumeAnimation()
}

func (s *session) onSetExpression(_ context.Context, cmd protocol.ClientCommand) {
	if err := s.viewer.SetExpression(cmd.Index); err != nil {
		s.sendError(err.Error())
	}
}

func (s *session) onDragStart(_ context.Context, _ protocol.ClientCommand) {
	s.viewer.DragStart()
}

func (s *session) onDragMove(_ context.Context, cmd protocol.ClientCommand) {
	if transform, ok := s.viewer.DragMove(cmd.DX, cmd.DY); ok {
		s.sendTransform(transform)
	}
}

func (s *session) onDragEnd(_ context.Context, _ protocol.ClientCommand) {
	s.viewer.DragEnd()
}

func (s *session) onWheel(_ context.Context, cmd protocol.ClientCommand) {
	if transform, ok := s.viewer.Wheel(cmd.Delta); ok {
		s.sendTransform(transform)
	}
}

func (s *session) onResetTransform(_ context.Context, _ protocol.ClientCommand) {
	if transform, ok := s.viewer.ResetTransform(); ok {
		s.sendTransform(transform)
	}
}

func (s *session) onTouchModel(_ context.Context, _ protocol.ClientCommand) {
	s.viewer.Touch()
	// A tap plays the tap group when the catalog has one; models without
	// such a group just get the use-time refresh.
	req := anim.Request{Type: anim.TypeTap, Group: anim.TypeTap.String()}
	err := s.viewer.Play(req)
	if err != nil && !errors.Is(err, model.ErrAnimationNotFound) && !errors.Is(err, model.ErrNoActiveModel) {
		s.sendError(err.Error())
	}
}

func (s *session) onSurfaceResize(_ context.Context, cmd protocol.ClientCommand) {
	if cmd.Width <= 0 || cmd.Height <= 0 {
		s.sendError("surface-resize needs a positive width and height")
		return
	}
	s.surfaceRef().Resize(cmd.Width, cmd.Height)
	// The first resize is the mount signal; health checks start here.
	s.viewer.StartMonitor()
}

func (s *session) onSurfaceReport(_ context.Context, cmd protocol.ClientCommand) {
	ok := cmd.ContextOK == nil || *cmd.ContextOK
	s.surfaceRef().Report(ok)
	if !ok {
		// A client-reported loss should not wait for the next interval.
		s.viewer.CheckSurfaceNow()
	}
}

func (s *session) onFetchStats(_ context.Context, _ protocol.ClientCommand) {
	s.sendJSON(map[string]any{"type": "stats", "stats": s.handler.viewers.Stats()})
}

func (s *session) onHeartbeat(_ context.Context, _ protocol.ClientCommand) {
	s.surfaceRef().Heartbeat()
}

func (s *session) sendTransform(t model.Transform) {
	s.sendJSON(map[string]any{"type": "transform-state", "transform": t})
}
