// Package handler routes pushed bridge events: admin commands, group-ban
// notices, and the spam-check path that feeds the detector and the ban
// queue.
package handler

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/DrSmoothl/FastMessageMuteSystem/detector"
	"github.com/DrSmoothl/FastMessageMuteSystem/napcat"
)

// submitWait bounds how long the spam path waits for the ban queue before
// giving up on the result (the queue still services the task).
const submitWait = 15 * time.Second

// Engine is the detection surface the router drives.
type Engine interface {
	IsEnabled(groupID int64) bool
	SetEnabled(groupID int64, enabled bool)
	RecordMessage(groupID, userID int64) (durationSec int, triggered bool)
	ResetUser(groupID, userID int64)
	Status() map[int64]detector.GroupStatus
}

// Muter is the ban queue surface.
type Muter interface {
	Submit(ctx context.Context, groupID, userID int64, durationSec int) error
}

// Bridge is the messaging slice of the napcat client the router uses for
// replies and notices.
type Bridge interface {
	SendGroupMsg(groupID int64, text string) error
	SendGroupMsgWithAtNoWait(groupID, userID int64, text string) error
}

type Config struct {
	Groups        []int64 // monitored groups
	Admins        []int64
	Whitelist     []int64
	ExemptAdmins  bool
	CommandPrefix string

	// Detection tuning, echoed in the status reply.
	Detection detector.Config
}

type Handler struct {
	cfg    Config
	engine Engine
	queue  Muter
	bridge Bridge

	groups    map[int64]struct{}
	admins    map[int64]struct{}
	whitelist map[int64]struct{}
}

func New(cfg Config, engine Engine, queue Muter, bridge Bridge) *Handler {
	return &Handler{
		cfg:       cfg,
		engine:    engine,
		queue:     queue,
		bridge:    bridge,
		groups:    idSet(cfg.Groups),
		admins:    idSet(cfg.Admins),
		whitelist: idSet(cfg.Whitelist),
	}
}

// Handle is registered on the session's dispatch loop.
func (h *Handler) Handle(ev napcat.Event) error {
	switch ev.PostType {
	case "message":
		return h.handleMessage(ev)
	case "notice":
		h.handleNotice(ev)
	}
	return nil
}

func (h *Handler) handleNotice(ev napcat.Event) {
	if ev.NoticeType != "group_ban" {
		return
	}
	switch ev.SubType {
	case "ban":
		slog.Info("ban notice",
			"group", ev.GroupID, "user", ev.UserID,
			"operator", ev.OperatorID, "duration", ev.Duration)
	default:
		slog.Info("ban lifted",
			"group", ev.GroupID, "user", ev.UserID, "operator", ev.OperatorID)
	}
}

func (h *Handler) handleMessage(ev napcat.Event) error {
	if ev.MessageType != "group" || ev.GroupID == 0 || ev.UserID == 0 {
		return nil
	}
	if _, ok := h.groups[ev.GroupID]; !ok {
		return nil
	}

	if handled, err := h.handleCommand(ev.GroupID, ev.UserID, ev.RawMessage); handled {
		return err
	}

	return h.checkSpam(ev.GroupID, ev.UserID)
}

// handleCommand parses an admin command. Returns handled=true when the
// message was a command, whether or not it succeeded.
func (h *Handler) handleCommand(groupID, userID int64, message string) (bool, error) {
	if !strings.HasPrefix(message, h.cfg.CommandPrefix) {
		return false, nil
	}
	cmd := strings.TrimSpace(strings.TrimPrefix(message, h.cfg.CommandPrefix))

	switch {
	case cmd == "mute on":
		if !h.requireAdmin(groupID, userID) {
			return true, nil
		}
		h.engine.SetEnabled(groupID, true)
		return true, h.reply(groupID, "spam detection enabled")

	case cmd == "mute off":
		if !h.requireAdmin(groupID, userID) {
			return true, nil
		}
		h.engine.SetEnabled(groupID, false)
		return true, h.reply(groupID, "spam detection disabled")

	case cmd == "mute status":
		if !h.requireAdmin(groupID, userID) {
			return true, nil
		}
		return true, h.reply(groupID, h.statusText(groupID))

	case strings.HasPrefix(cmd, "mute reset"):
		if !h.requireAdmin(groupID, userID) {
			return true, nil
		}
		fields := strings.Fields(cmd)
		if len(fields) < 3 {
			return true, h.reply(groupID, "usage: "+h.cfg.CommandPrefix+"mute reset <user id>")
		}
		target, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			return true, h.reply(groupID, "invalid user id: "+fields[2])
		}
		h.engine.ResetUser(groupID, target)
		return true, h.reply(groupID, fmt.Sprintf("violation record for %d reset", target))
	}

	return false, nil
}

func (h *Handler) statusText(groupID int64) string {
	st := h.engine.Status()[groupID]
	det := h.cfg.Detection

	var b strings.Builder
	fmt.Fprintf(&b, "spam detection status\n")
	fmt.Fprintf(&b, "enabled: %v\n", st.Enabled)
	fmt.Fprintf(&b, "tracked users: %d\n", st.TrackedUsers)
	fmt.Fprintf(&b, "total violations: %d\n", st.TotalViolations)
	fmt.Fprintf(&b, "window: %s, threshold: %d\n", det.Window, det.Threshold)
	fmt.Fprintf(&b, "base mute: %s", FormatDuration(det.BaseDurationSec))
	return b.String()
}

// checkSpam applies exemptions, records the message, and on a trigger
// enqueues the mute and fires the notice.
func (h *Handler) checkSpam(groupID, userID int64) error {
	if _, ok := h.whitelist[userID]; ok {
		return nil
	}
	if _, ok := h.admins[userID]; ok && h.cfg.ExemptAdmins {
		return nil
	}

	durationSec, triggered := h.engine.RecordMessage(groupID, userID)
	if !triggered {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), submitWait)
	defer cancel()
	if err := h.queue.Submit(ctx, groupID, userID, durationSec); err != nil {
		return fmt.Errorf("mute user %d in group %d: %w", userID, groupID, err)
	}

	// Fire-and-forget: under a burst, waiting on notice replies would only
	// pile up timeouts.
	notice := "flooding detected, muted for " + FormatDuration(durationSec)
	if err := h.bridge.SendGroupMsgWithAtNoWait(groupID, userID, notice); err != nil {
		slog.Error("sending mute notice failed", "group", groupID, "user", userID, "err", err)
	}
	return nil
}

func (h *Handler) requireAdmin(groupID, userID int64) bool {
	if _, ok := h.admins[userID]; ok {
		return true
	}
	if err := h.reply(groupID, "permission denied, admin only"); err != nil {
		slog.Error("sending refusal failed", "group", groupID, "err", err)
	}
	return false
}

func (h *Handler) reply(groupID int64, text string) error {
	if err := h.bridge.SendGroupMsg(groupID, text); err != nil {
		return fmt.Errorf("reply to group %d: %w", groupID, err)
	}
	return nil
}

func idSet(ids []int64) map[int64]struct{} {
	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
