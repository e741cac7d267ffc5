package mural

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"go.uber.org/zap"
)

// Permission gates a group of commands.
type Permission string

const (
	PermUse   Permission = "mural.use"
	PermAdmin Permission = "mural.admin"
	PermSync  Permission = "mural.sync"
)

// Permissions decides what a viewer may do.
type Permissions interface {
	Has(viewer ViewerID, perm Permission) bool
}

// PermissionTable grants permissions per viewer. The "*" entry applies to
// everyone.
type PermissionTable map[ViewerID][]Permission

func (t PermissionTable) Has(viewer ViewerID, perm Permission) bool {
	return slices.Contains(t[viewer], perm) || slices.Contains(t["*"], perm)
}

// Command is one request from a viewer. Position fields are only read by
// the actions that need them.
type Command struct {
	Viewer    ViewerID   `json:"viewer"`
	Action    string     `json:"action"`
	Args      []string   `json:"args,omitempty"`
	World     string     `json:"world,omitempty"`
	Block     *BlockPos  `json:"block,omitempty"`
	Artifact  ArtifactID `json:"artifact,omitempty"`
	Viewpoint *Viewpoint `json:"viewpoint,omitempty"`
}

// Reply is the answer to a Command.
type Reply struct {
	OK      bool     `json:"ok"`
	Message string   `json:"message"`
	MuralID string   `json:"muralId,omitempty"`
	Count   int      `json:"count,omitempty"`
	Murals  []string `json:"murals,omitempty"`
}

// Executor runs a function on the tick loop and waits for it.
type Executor interface {
	Do(ctx context.Context, fn func()) error
}

var commandPerms = map[string]Permission{
	"tool":   PermUse,
	"pos1":   PermUse,
	"pos2":   PermUse,
	"upload": PermUse,
	"remove": PermUse,
	"reload": PermAdmin,
	"list":   PermAdmin,
	"save":   PermAdmin,
	"sync":   PermSync,
}

const usage = "usage: tool | pos1 | pos2 | upload <url> | remove | sync | reload | list | save"

// Commands interprets viewer commands against a Manager.
type Commands struct {
	m     *Manager
	sel   *SelectionTracker
	perms Permissions
	log   *zap.Logger
}

// NewCommands creates a command interpreter.
func NewCommands(m *Manager, sel *SelectionTracker, perms Permissions, log *zap.Logger) *Commands {
	if log == nil {
		log = zap.NewNop()
	}
	return &Commands{m: m, sel: sel, perms: perms, log: log}
}

// Dispatch decodes a JSON command, runs it on the loop and returns the
// reply.
func (c *Commands) Dispatch(ctx context.Context, loop Executor, payload []byte) Reply {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return Reply{Message: fmt.Sprintf("malformed command: %v", err)}
	}
	var reply Reply
	if err := loop.Do(ctx, func() { reply = c.Execute(cmd) }); err != nil {
		return Reply{Message: err.Error()}
	}
	return reply
}

// HandleMQTT adapts Dispatch to a CommandHandler.
func (c *Commands) HandleMQTT(loop Executor) CommandHandler {
	return func(ctx context.Context, payload []byte) []byte {
		b, err := json.Marshal(c.Dispatch(ctx, loop, payload))
		if err != nil {
			c.log.Error("marshaling reply", zap.Error(err))
			return nil
		}
		return b
	}
}

// Execute runs cmd. It must be called from the tick loop.
func (c *Commands) Execute(cmd Command) Reply {
	action := strings.ToLower(strings.TrimSpace(cmd.Action))
	perm, known := commandPerms[action]
	if !known {
		return Reply{Message: usage}
	}
	if cmd.Viewer == "" {
		return Reply{Message: "viewer is required"}
	}
	if !c.perms.Has(cmd.Viewer, perm) {
		c.log.Info("command denied", zap.String("viewer", string(cmd.Viewer)), zap.String("action", action))
		return Reply{Message: "you don't have permission to do this"}
	}

	c.log.Debug("command", zap.String("viewer", string(cmd.Viewer)), zap.String("action", action))
	switch action {
	case "tool":
		c.sel.Clear(cmd.Viewer)
		return Reply{OK: true, Message: "selection tool ready: mark pos1 and pos2"}
	case "pos1", "pos2":
		return c.mark(action, cmd)
	case "upload":
		return c.upload(cmd)
	case "remove":
		return c.remove(cmd)
	case "reload":
		c.m.Reload()
		return Reply{OK: true, Message: "reloading murals from storage"}
	case "sync":
		n := c.m.Sync(Viewer{ID: cmd.Viewer, World: cmd.World})
		return Reply{OK: true, Message: "synchronization complete", Count: n}
	case "list":
		records := c.m.Store().List()
		ids := make([]string, 0, len(records))
		for _, r := range records {
			ids = append(ids, r.ID)
		}
		return Reply{OK: true, Message: fmt.Sprintf("%d murals loaded", len(ids)), Count: len(ids), Murals: ids}
	case "save":
		if err := c.m.Save(); err != nil {
			return Reply{Message: err.Error()}
		}
		return Reply{OK: true, Message: "murals saved", Count: c.m.Count()}
	}
	return Reply{Message: usage}
}

func (c *Commands) mark(action string, cmd Command) Reply {
	if cmd.World == "" || cmd.Block == nil {
		return Reply{Message: action + " needs world and block"}
	}
	corner := Corner{World: cmd.World, Pos: *cmd.Block}
	if action == "pos1" {
		c.sel.SetPos1(cmd.Viewer, corner)
	} else {
		c.sel.SetPos2(cmd.Viewer, corner)
	}
	return Reply{OK: true, Message: fmt.Sprintf("%s set to %s", action, cmd.Block)}
}

func (c *Commands) upload(cmd Command) Reply {
	if len(cmd.Args) < 1 || cmd.Args[0] == "" {
		return Reply{Message: "usage: upload <url>"}
	}
	sel := c.sel.Selection(cmd.Viewer)
	if !sel.Complete() {
		return Reply{Message: "select both corners first"}
	}
	if cmd.Viewpoint == nil {
		return Reply{Message: "upload needs the viewer's viewpoint"}
	}

	req := PlacementRequest{
		Viewer:    cmd.Viewer,
		Pos1:      *sel.Pos1,
		Pos2:      *sel.Pos2,
		Viewpoint: *cmd.Viewpoint,
		ImageURL:  cmd.Args[0],
	}
	viewer := cmd.Viewer
	err := c.m.CreateMural(req, func(res PlacementResult) {
		if res.Err != nil {
			c.log.Info("upload failed", zap.String("viewer", string(viewer)), zap.Error(res.Err))
			return
		}
		c.log.Info("upload complete", zap.String("viewer", string(viewer)), zap.String("id", res.Record.ID))
	})
	if err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			return Reply{Message: "invalid selection: " + ve.Reason}
		}
		return Reply{Message: err.Error()}
	}
	return Reply{OK: true, Message: "processing image"}
}

func (c *Commands) remove(cmd Command) Reply {
	id, ok := c.m.RemoveAtTarget(Target{World: cmd.World, Artifact: cmd.Artifact, Block: cmd.Block})
	if !ok {
		return Reply{Message: "no mural found at your crosshair"}
	}
	return Reply{OK: true, Message: "mural removed", MuralID: id}
}
