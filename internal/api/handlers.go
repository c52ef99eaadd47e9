package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/markus-barta/carrelay/internal/auth"
	"github.com/markus-barta/carrelay/internal/command"
	"github.com/markus-barta/carrelay/internal/protocol"
	"github.com/markus-barta/carrelay/internal/relay"
	"github.com/markus-barta/carrelay/internal/store"
)

// handleHealth reports relay state. Always 200 while the process serves.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
		"health":  s.relay.Health(),
	})
}

// handleAppSocket upgrades to the app event socket.
// GET /ws
func (s *Server) handleAppSocket(w http.ResponseWriter, r *http.Request) {
	op, _ := auth.OperatorFromContext(r.Context())
	s.relay.ServeApp(w, r, op)
}

// ═══════════════════════════════════════════════════════════════════════════
// COMMANDS
// ═══════════════════════════════════════════════════════════════════════════

// handleSendCommand dispatches an operator command.
// POST /api/commands/send
func (s *Server) handleSendCommand(w http.ResponseWriter, r *http.Request) {
	op, _ := auth.OperatorFromContext(r.Context())

	var req struct {
		Action string `json:"action"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "Bad Request", http.StatusBadRequest)
		return
	}

	res, err := s.relay.Dispatch(relay.WithSource(r.Context(), source(r)), req.Action, op)
	if errors.Is(err, command.ErrInvalidAction) {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{
			"success":         false,
			"message":         "Invalid command. Valid commands: " + strings.Join(actionNames(), ", "),
			"error":           "INVALID_COMMAND",
			"receivedCommand": req.Action,
		})
		return
	}
	if err != nil {
		s.log.Error().Err(err).Str("action", req.Action).Msg("dispatch failed")
		s.jsonError(w, "Failed to send command", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusOK, dispatchResponse(res, "Command sent to car", "Car not connected, command queued"))
}

// handleEmergencyStop dispatches stop for any authenticated operator.
// POST /api/commands/emergency-stop
func (s *Server) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	op, _ := auth.OperatorFromContext(r.Context())

	res, err := s.relay.EmergencyStop(relay.WithSource(r.Context(), source(r)), op)
	if err != nil {
		s.log.Error().Err(err).Str("operator", op.Name).Msg("emergency stop failed")
		s.jsonError(w, "Emergency stop failed", http.StatusInternalServerError)
		return
	}

	s.relay.Notify(protocol.NotifyWarning, "Emergency stop executed by "+op.Name, map[string]any{
		"user":       op.Name,
		"command_id": res.CommandID,
	})
	s.writeJSON(w, http.StatusOK, dispatchResponse(res, "Emergency stop sent", "Car not connected, stop queued"))
}

func dispatchResponse(res *relay.DispatchResult, pushedMsg, queuedMsg string) map[string]any {
	message := pushedMsg
	if !res.Pushed {
		message = queuedMsg
	}
	return map[string]any{
		"success":   res.Accepted,
		"message":   message,
		"pushed":    res.Pushed,
		"delivered": res.Delivered,
		"command":   res.Command,
	}
}

func actionNames() []string {
	actions := command.Actions()
	names := make([]string, len(actions))
	for i, a := range actions {
		names[i] = string(a)
	}
	return names
}

// handleCommandHistory lists the caller's commands, or anyone's for admins.
// GET /api/commands/history?page=&limit=&user_id=
func (s *Server) handleCommandHistory(w http.ResponseWriter, r *http.Request) {
	op, _ := auth.OperatorFromContext(r.Context())
	pageNum, limit, offset := page(r, 50, 200)

	filter := store.CommandFilter{IssuerID: op.ID, Limit: limit, Offset: offset}
	if op.IsAdmin() {
		filter.IssuerID = r.URL.Query().Get("user_id")
	}

	cmds, total, err := s.history.ListCommands(r.Context(), filter)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list commands")
		s.jsonError(w, "Failed to get command history", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"commands":   cmds,
		"pagination": pagination(total, pageNum, limit),
	})
}

// handleCommandStats returns queue statistics.
// GET /api/commands/stats
func (s *Server) handleCommandStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.history.CommandStats(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("failed to compute command stats")
		s.jsonError(w, "Failed to get command statistics", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "stats": stats})
}

// handleLatestCommand hands the car the oldest command it has not reported.
// GET /api/commands/latest
func (s *Server) handleLatestCommand(w http.ResponseWriter, r *http.Request) {
	cmd, err := s.relay.FetchOldestPending(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("failed to fetch pending command")
		s.jsonError(w, "Failed to get latest command", http.StatusInternalServerError)
		return
	}
	if cmd == nil {
		s.writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"message": "No pending commands",
			"command": nil,
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "command": cmd})
}

// handleCommandExecuted records the car's report for a pulled command.
// POST /api/commands/executed
func (s *Server) handleCommandExecuted(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CommandID string `json:"commandId"`
		Success   bool   `json:"success"`
		Response  string `json:"response"`
		Error     string `json:"error"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.CommandID == "" {
		s.jsonError(w, "commandId required", http.StatusBadRequest)
		return
	}

	applied, err := s.relay.ReportExecuted(r.Context(), req.CommandID, command.Report{
		Success:  req.Success,
		Response: req.Response,
		Error:    req.Error,
	})
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.jsonError(w, "Command not found", http.StatusNotFound)
		return
	case err != nil:
		s.log.Error().Err(err).Str("id", req.CommandID).Msg("failed to record execution")
		s.jsonError(w, "Failed to update command status", http.StatusInternalServerError)
		return
	}

	message := "Command execution status updated"
	if !applied {
		message = "Command already executed"
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"applied": applied,
		"message": message,
	})
}

// ═══════════════════════════════════════════════════════════════════════════
// DEVICE
// ═══════════════════════════════════════════════════════════════════════════

// handleDeviceStatus reports the device pool.
// GET /api/device/status
func (s *Server) handleDeviceStatus(w http.ResponseWriter, r *http.Request) {
	status := s.relay.Status()
	message := "Car offline"
	if status.Connected {
		message = "Car online"
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": message,
		"data":    status,
	})
}

// handlePing sends an application ping to every device.
// POST /api/device/ping
func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	n := s.relay.PingDevices()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"activeClients": n,
		"message":       "Pinged " + strconv.Itoa(n) + " device(s)",
	})
}

// handleSensorUpload accepts a sensor reading over HTTP for cars that post
// instead of streaming.
// POST /api/device/sensor
func (s *Server) handleSensorUpload(w http.ResponseWriter, r *http.Request) {
	var data map[string]any
	if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
		s.jsonError(w, "Invalid sensor data", http.StatusBadRequest)
		return
	}
	if _, ok := data["distance"].(float64); !ok {
		s.jsonError(w, "Invalid sensor data", http.StatusBadRequest)
		return
	}
	if deviceTS, ok := data["timestamp"]; ok {
		data["device_timestamp"] = deviceTS
	}
	data["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	data["source"] = "http"

	s.relay.Broadcast(protocol.EventSensorData, data)
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Sensor data received"})
}

// handleChangeMode switches between autonomous and manual driving.
// POST /api/device/mode
func (s *Server) handleChangeMode(w http.ResponseWriter, r *http.Request) {
	op, _ := auth.OperatorFromContext(r.Context())

	var req struct {
		Mode string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "Bad Request", http.StatusBadRequest)
		return
	}
	action, ok := relay.ModeAction(req.Mode)
	if !ok {
		s.jsonError(w, "Invalid mode. Valid modes: auto, manual", http.StatusBadRequest)
		return
	}

	res, err := s.relay.Dispatch(relay.WithSource(r.Context(), source(r)), string(action), op)
	if err != nil {
		s.log.Error().Err(err).Str("mode", req.Mode).Msg("mode change failed")
		s.jsonError(w, "Failed to change mode", http.StatusInternalServerError)
		return
	}

	body := dispatchResponse(res, "Mode change sent to car", "Car not connected, mode change queued")
	body["mode"] = req.Mode
	s.writeJSON(w, http.StatusOK, body)
}

// handleBattery returns the last battery report.
// GET /api/device/battery
func (s *Server) handleBattery(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"battery": s.relay.BatteryStatus(),
	})
}

// handleRelayStats returns connection counts for admins.
// GET /api/device/stats
func (s *Server) handleRelayStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"stats":   s.relay.Stats(),
		"status":  s.relay.Status(),
	})
}

// handleNotification broadcasts an admin notification to every app.
// POST /api/device/notification
func (s *Server) handleNotification(w http.ResponseWriter, r *http.Request) {
	op, _ := auth.OperatorFromContext(r.Context())

	req := struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}{Type: protocol.NotifyInfo, Message: "Test notification"}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "Bad Request", http.StatusBadRequest)
		return
	}
	switch req.Type {
	case protocol.NotifyInfo, protocol.NotifyWarning, protocol.NotifyError:
	default:
		s.jsonError(w, "Invalid notification type", http.StatusBadRequest)
		return
	}

	s.relay.Notify(req.Type, req.Message, map[string]any{"sender": op.Name})
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Notification sent"})
}

// ═══════════════════════════════════════════════════════════════════════════
// AUDIT LOG
// ═══════════════════════════════════════════════════════════════════════════

// handleLogs lists audit events for admins.
// GET /api/logs?user_id=&action=&since=&page=&limit=
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	s.listEvents(w, r, store.EventFilter{
		ActorID: q.Get("user_id"),
		Action:  q.Get("action"),
		Since:   since(r),
	})
}

// handleOwnLogs lists the caller's own audit events.
// GET /api/logs/user
func (s *Server) handleOwnLogs(w http.ResponseWriter, r *http.Request) {
	op, _ := auth.OperatorFromContext(r.Context())
	s.listEvents(w, r, store.EventFilter{ActorID: op.ID, Since: since(r)})
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request, filter store.EventFilter) {
	pageNum, limit, offset := page(r, 50, 500)
	filter.Limit = limit
	filter.Offset = offset

	events, total, err := s.history.ListEvents(r.Context(), filter)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list events")
		s.jsonError(w, "Failed to fetch logs", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"logs":       events,
		"pagination": pagination(total, pageNum, limit),
	})
}
