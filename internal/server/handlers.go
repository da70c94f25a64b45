package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/camfleet/camfleet/internal/command"
	"github.com/camfleet/camfleet/internal/devicemode"
	"github.com/camfleet/camfleet/internal/liveness"
	"github.com/camfleet/camfleet/internal/store"
)

type contextKey string

const (
	ctxViewerID contextKey = "viewer_id"
	ctxToken    contextKey = "token"
)

func viewerFromContext(ctx context.Context) (viewerID, token string) {
	viewerID, _ = ctx.Value(ctxViewerID).(string)
	token, _ = ctx.Value(ctxToken).(string)
	return viewerID, token
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code command.Code, message string) {
	writeJSON(w, status, map[string]any{
		"error":    message,
		"code":     string(code),
		"guidance": command.Guidance(code),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleCreateSession mints a viewer bearer token. Account authentication is
// expected to sit in front of this endpoint at the deployment's edge.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ViewerID string `json:"viewer_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ViewerID == "" {
		writeError(w, http.StatusBadRequest, command.CodeChannelError, "viewer_id is required")
		return
	}

	token, err := s.st.CreateViewerSession(r.Context(), req.ViewerID, s.cfg.SessionDuration)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to create viewer session")
		writeError(w, http.StatusInternalServerError, command.CodeChannelError, "could not create session")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"token":      token,
		"viewer_id":  req.ViewerID,
		"expires_in": int(s.cfg.SessionDuration.Seconds()),
	})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	_, token := viewerFromContext(r.Context())
	if err := s.st.DeleteViewerSession(r.Context(), token); err != nil {
		s.log.Warn().Err(err).Msg("failed to delete viewer session")
	}
	w.WriteHeader(http.StatusNoContent)
}

// requireSession resolves the Bearer token to a viewer id.
func (s *Server) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, command.CodeNoSession, "missing bearer token")
			return
		}
		viewerID, err := s.st.ValidateSession(r.Context(), token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, command.CodeInvalidSession, "session invalid or expired")
			return
		}
		ctx := context.WithValue(r.Context(), ctxViewerID, viewerID)
		ctx = context.WithValue(ctx, ctxToken, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireDeviceOwnership verifies the path device belongs to the caller.
func (s *Server) requireDeviceOwnership(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		viewerID, _ := viewerFromContext(r.Context())
		deviceID := chi.URLParam(r, "deviceID")
		if err := s.st.DeviceOwnedBy(r.Context(), deviceID, viewerID); err != nil {
			writeError(w, http.StatusNotFound, command.CodeDeviceNotFound, "device not found")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	// Browsers cannot set headers on a WebSocket dial.
	return r.URL.Query().Get("token")
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	viewerID, _ := viewerFromContext(r.Context())
	devices, err := s.st.ListDevices(r.Context(), viewerID)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list devices")
		writeError(w, http.StatusInternalServerError, command.CodeChannelError, "could not list devices")
		return
	}

	now := time.Now()
	out := make([]map[string]any, 0, len(devices))
	for _, d := range devices {
		entry := map[string]any{
			"id":   d.ID,
			"name": d.Name,
		}
		if st, err := s.st.GetOrCreateDeviceStatus(r.Context(), d.ID); err == nil {
			entry["classification"] = string(liveness.Classify(st.LastSeenAt, st.IsActive, now, s.thresholds()))
			entry["is_armed"] = st.IsArmed
			entry["device_mode"] = string(st.DeviceMode)
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": out})
}

func (s *Server) handleCreateDevice(w http.ResponseWriter, r *http.Request) {
	viewerID, _ := viewerFromContext(r.Context())
	var req struct {
		ID         string `json:"id"`
		Name       string `json:"name"`
		AgentToken string `json:"agent_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" || req.AgentToken == "" {
		writeError(w, http.StatusBadRequest, command.CodeChannelError, "name and agent_token are required")
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	dev := &store.Device{ID: req.ID, Name: req.Name, OwnerID: viewerID}
	if err := s.st.CreateDevice(r.Context(), dev, req.AgentToken); err != nil {
		s.log.Error().Err(err).Str("device", req.ID).Msg("failed to create device")
		writeError(w, http.StatusConflict, command.CodeChannelError, "could not register device")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": dev.ID, "name": dev.Name})
}

func (s *Server) handleDeviceStatus(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	st, err := s.st.GetOrCreateDeviceStatus(r.Context(), deviceID)
	if err != nil {
		s.log.Error().Err(err).Str("device", deviceID).Msg("failed to load device status")
		writeError(w, http.StatusInternalServerError, command.CodeChannelError, "could not load status")
		return
	}

	cls := liveness.Classify(st.LastSeenAt, st.IsActive, time.Now(), s.thresholds())
	body := map[string]any{
		"device_id":      st.DeviceID,
		"classification": string(cls),
		"is_armed":       st.IsArmed,
		"device_mode":    string(st.DeviceMode),
		"motion_enabled": st.MotionEnabled,
		"sound_enabled":  st.SoundEnabled,
		"consistent":     st.Consistent(),
		"connected":      s.hub.AgentConnected(deviceID),
	}
	if st.LastSeenAt != nil {
		body["last_seen_at"] = st.LastSeenAt.UTC().Format(time.RFC3339)
	}
	if st.LastCommand != "" {
		body["last_command"] = st.LastCommand
	}
	writeJSON(w, http.StatusOK, body)
}

// validCommandTypes is the closed set accepted over HTTP.
var validCommandTypes = map[command.Type]bool{
	command.TypeStartLiveView:        true,
	command.TypeStopLiveView:         true,
	command.TypeStartMotionDetection: true,
	command.TypeStopMotionDetection:  true,
	command.TypeStartCamera:          true,
	command.TypeStopCamera:           true,
	command.TypeSetDeviceMode:        true,
}

func (s *Server) handleSendCommand(w http.ResponseWriter, r *http.Request) {
	viewerID, token := viewerFromContext(r.Context())
	deviceID := chi.URLParam(r, "deviceID")

	var req struct {
		Command string `json:"command"`
		Mode    string `json:"mode,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, command.CodeChannelError, "invalid request body")
		return
	}
	cmdType := command.Type(req.Command)
	if !validCommandTypes[cmdType] {
		writeError(w, http.StatusBadRequest, command.CodeChannelError, "unknown command")
		return
	}

	var payload *command.Payload
	if cmdType == command.TypeSetDeviceMode {
		mode := command.Mode(req.Mode)
		if mode != command.ModeNormal && mode != command.ModeAway {
			writeError(w, http.StatusBadRequest, command.CodeChannelError, "mode must be NORMAL or AWAY")
			return
		}
		payload = &command.Payload{Mode: mode}
	}

	d := s.dispatcherFor(viewerID, deviceID, token)
	out, err := d.Send(r.Context(), cmdType, payload)
	if err != nil {
		switch {
		case errors.Is(err, command.ErrInvalidSession):
			writeError(w, http.StatusUnauthorized, command.CodeInvalidSession, "session invalid or expired")
		case errors.Is(err, command.ErrDeviceNotFound):
			writeError(w, http.StatusNotFound, command.CodeDeviceNotFound, "device not found")
		case errors.Is(err, command.ErrNoDevice), errors.Is(err, command.ErrNoSession):
			writeError(w, http.StatusBadRequest, command.CodeChannelError, err.Error())
		default:
			s.log.Error().Err(err).Str("device", deviceID).Msg("command send failed")
			writeError(w, http.StatusInternalServerError, command.CodeChannelError, "could not send command")
		}
		return
	}

	body := map[string]any{
		"status":     string(out.Status),
		"command_id": out.CommandID,
		"elapsed_ms": out.Elapsed.Milliseconds(),
	}
	if out.Status != command.OutcomeAcknowledged {
		body["code"] = string(out.Code)
		body["message"] = out.Message
		body["guidance"] = command.Guidance(out.Code)
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleCommandHistory(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	cmds, err := s.st.ListCommandHistory(r.Context(), deviceID, limit)
	if err != nil {
		s.log.Error().Err(err).Str("device", deviceID).Msg("failed to list commands")
		writeError(w, http.StatusInternalServerError, command.CodeChannelError, "could not list commands")
		return
	}

	out := make([]map[string]any, 0, len(cmds))
	for _, c := range cmds {
		entry := map[string]any{
			"id":         c.ID,
			"command":    c.Command,
			"status":     string(c.Status),
			"created_at": c.CreatedAt.UTC().Format(time.RFC3339),
		}
		if c.HandledAt != nil {
			entry["handled_at"] = c.HandledAt.UTC().Format(time.RFC3339)
		}
		if c.ErrorCode != "" {
			entry["error_code"] = c.ErrorCode
			entry["error_message"] = c.ErrorMessage
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{"commands": out})
}

// modeManager builds the per-request mode state machine for a device.
func (s *Server) modeManager(viewerID, deviceID, token string) *devicemode.Manager {
	sender := s.dispatcherFor(viewerID, deviceID, token)
	return devicemode.NewManager(s.log, s.st, sender, deviceID, viewerID, s.thresholds())
}

func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	viewerID, token := viewerFromContext(r.Context())
	deviceID := chi.URLParam(r, "deviceID")

	var req struct {
		Mode string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, command.CodeChannelError, "invalid request body")
		return
	}
	mode := command.Mode(req.Mode)
	if mode != command.ModeNormal && mode != command.ModeAway {
		writeError(w, http.StatusBadRequest, command.CodeChannelError, "mode must be NORMAL or AWAY")
		return
	}

	warning, err := s.modeManager(viewerID, deviceID, token).SetMode(r.Context(), mode)
	if err != nil {
		s.writeModeError(w, deviceID, err)
		return
	}
	body := map[string]any{"device_mode": string(mode)}
	if warning != "" {
		body["warning"] = warning
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleSetArmed(w http.ResponseWriter, r *http.Request) {
	viewerID, token := viewerFromContext(r.Context())
	deviceID := chi.URLParam(r, "deviceID")

	var req struct {
		Armed bool `json:"armed"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, command.CodeChannelError, "invalid request body")
		return
	}

	warning, err := s.modeManager(viewerID, deviceID, token).SetArmed(r.Context(), req.Armed)
	if err != nil {
		s.writeModeError(w, deviceID, err)
		return
	}
	body := map[string]any{"is_armed": req.Armed}
	if warning != "" {
		body["warning"] = warning
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) writeModeError(w http.ResponseWriter, deviceID string, err error) {
	switch {
	case errors.Is(err, devicemode.ErrDeviceOffline):
		writeError(w, http.StatusConflict, command.CodeTimeout, err.Error())
	case errors.Is(err, devicemode.ErrArmWhileAsleep):
		writeError(w, http.StatusConflict, command.CodePowerSaving, err.Error())
	default:
		s.log.Error().Err(err).Str("device", deviceID).Msg("mode change failed")
		writeError(w, http.StatusInternalServerError, command.CodeChannelError, "could not apply change")
	}
}

func (s *Server) handleCreateLiveSession(w http.ResponseWriter, r *http.Request) {
	viewerID, _ := viewerFromContext(r.Context())
	deviceID := chi.URLParam(r, "deviceID")

	st, err := s.st.GetOrCreateDeviceStatus(r.Context(), deviceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, command.CodeChannelError, "could not load status")
		return
	}
	if liveness.Classify(st.LastSeenAt, st.IsActive, time.Now(), s.thresholds()) == liveness.StatusOffline {
		writeError(w, http.StatusConflict, command.CodeTimeout, "device is offline")
		return
	}

	ls, err := s.st.CreateLiveSession(r.Context(), deviceID, viewerID)
	if err != nil {
		s.log.Error().Err(err).Str("device", deviceID).Msg("failed to create live session")
		writeError(w, http.StatusInternalServerError, command.CodeChannelError, "could not create session")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"session_id": ls.ID,
		"device_id":  ls.DeviceID,
		"state":      ls.State,
	})
}

func (s *Server) handleGetLiveSession(w http.ResponseWriter, r *http.Request) {
	viewerID, _ := viewerFromContext(r.Context())
	ls, err := s.loadOwnedLiveSession(r, viewerID)
	if err != nil {
		writeError(w, http.StatusNotFound, command.CodeChannelError, "session not found")
		return
	}
	body := map[string]any{
		"session_id": ls.ID,
		"device_id":  ls.DeviceID,
		"state":      ls.State,
		"created_at": ls.CreatedAt.UTC().Format(time.RFC3339),
	}
	if ls.EndedAt != nil {
		body["ended_at"] = ls.EndedAt.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleEndLiveSession(w http.ResponseWriter, r *http.Request) {
	viewerID, _ := viewerFromContext(r.Context())
	ls, err := s.loadOwnedLiveSession(r, viewerID)
	if err != nil {
		writeError(w, http.StatusNotFound, command.CodeChannelError, "session not found")
		return
	}
	if err := s.st.EndLiveSession(r.Context(), ls.ID); err != nil {
		s.log.Error().Err(err).Str("session", ls.ID).Msg("failed to end live session")
		writeError(w, http.StatusInternalServerError, command.CodeChannelError, "could not end session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) loadOwnedLiveSession(r *http.Request, viewerID string) (*store.LiveSession, error) {
	ls, err := s.st.GetLiveSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		return nil, err
	}
	if ls.ViewerID != viewerID {
		return nil, store.ErrNotFound
	}
	return ls, nil
}

// handleWebSocket upgrades agent and viewer connections. Agents authenticate
// with their device token and an X-Device-ID header; viewers with their
// session bearer token.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	deviceID := r.Header.Get("X-Device-ID")
	token := bearerToken(r)

	var viewerID string
	if deviceID != "" {
		if err := s.st.AuthenticateAgent(r.Context(), deviceID, token); err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	} else {
		var err error
		viewerID, err = s.st.ValidateSession(r.Context(), token)
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	if deviceID != "" {
		s.hub.HandleAgent(conn, deviceID)
	} else {
		s.hub.HandleViewer(conn, viewerID)
	}
}
