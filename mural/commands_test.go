package mural

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// inlineExecutor runs tasks on the calling goroutine.
type inlineExecutor struct{}

func (inlineExecutor) Do(_ context.Context, fn func()) error {
	fn()
	return nil
}

type stoppedExecutor struct{}

func (stoppedExecutor) Do(context.Context, func()) error { return ErrLoopStopped }

var testPerms = PermissionTable{
	"*":     {PermUse, PermSync},
	"admin": {PermAdmin},
}

func newCommands(t *testing.T) (*Commands, *harness) {
	t.Helper()
	h := newHarness(t, "")
	return NewCommands(h.m, NewSelectionTracker(), testPerms, zaptest.NewLogger(t)), h
}

func TestPermissionTable(t *testing.T) {
	assert.True(t, testPerms.Has("anyone", PermUse))
	assert.False(t, testPerms.Has("anyone", PermAdmin))
	assert.True(t, testPerms.Has("admin", PermAdmin))
	assert.True(t, testPerms.Has("admin", PermSync))
	assert.False(t, PermissionTable{}.Has("anyone", PermUse))
}

func TestCommands_UploadFlow(t *testing.T) {
	c, h := newCommands(t)
	block1 := BlockPos{X: 5, Y: 60, Z: 3}
	block2 := BlockPos{X: 9, Y: 62, Z: 3}

	r := c.Execute(Command{Viewer: "alice", Action: "tool"})
	assert.True(t, r.OK)
	r = c.Execute(Command{Viewer: "alice", Action: "upload", Args: []string{testImageURL}})
	assert.False(t, r.OK, "upload without a selection")

	r = c.Execute(Command{Viewer: "alice", Action: "pos1", World: "world", Block: &block1})
	require.True(t, r.OK, r.Message)
	r = c.Execute(Command{Viewer: "alice", Action: "POS2", World: "world", Block: &block2})
	require.True(t, r.OK, r.Message)

	r = c.Execute(Command{Viewer: "alice", Action: "upload", Args: []string{testImageURL}})
	assert.False(t, r.OK, "upload without a viewpoint")

	vp := Viewpoint{Pos: Vec3{X: 7, Y: 61, Z: 0}}
	r = c.Execute(Command{Viewer: "alice", Action: "upload", Args: []string{testImageURL}, Viewpoint: &vp})
	require.True(t, r.OK, r.Message)
	h.settle()

	require.Equal(t, 1, h.m.Count())
	assert.Equal(t, North, h.store.List()[0].Facing)
}

func TestCommands_UploadInvalidSelection(t *testing.T) {
	c, h := newCommands(t)
	b1, b2 := BlockPos{X: 0, Y: 60, Z: 0}, BlockPos{X: 3, Y: 60, Z: 3}
	c.Execute(Command{Viewer: "alice", Action: "pos1", World: "world", Block: &b1})
	c.Execute(Command{Viewer: "alice", Action: "pos2", World: "world", Block: &b2})

	r := c.Execute(Command{Viewer: "alice", Action: "upload", Args: []string{testImageURL}, Viewpoint: &Viewpoint{}})
	assert.False(t, r.OK)
	assert.Contains(t, r.Message, "invalid selection")
	h.settle()
	assert.Zero(t, h.m.Count())
}

func TestCommands_PosNeedsBlock(t *testing.T) {
	c, _ := newCommands(t)
	r := c.Execute(Command{Viewer: "alice", Action: "pos1", World: "world"})
	assert.False(t, r.OK)
}

func TestCommands_Permissions(t *testing.T) {
	c, _ := newCommands(t)
	for _, action := range []string{"reload", "list", "save"} {
		r := c.Execute(Command{Viewer: "alice", Action: action})
		assert.False(t, r.OK, action)
		assert.Contains(t, r.Message, "permission", action)
	}

	r := c.Execute(Command{Viewer: "admin", Action: "list"})
	assert.True(t, r.OK)
}

func TestCommands_UnknownAndAnonymous(t *testing.T) {
	c, _ := newCommands(t)
	assert.Equal(t, usage, c.Execute(Command{Viewer: "alice", Action: "dance"}).Message)
	assert.Equal(t, usage, c.Execute(Command{Viewer: "alice"}).Message)
	assert.False(t, c.Execute(Command{Action: "tool"}).OK)
}

func TestCommands_RemoveListSaveSync(t *testing.T) {
	c, h := newCommands(t)
	rec := h.mustCreate(wallRequest("world"))
	h.advance()

	r := c.Execute(Command{Viewer: "admin", Action: "list"})
	require.True(t, r.OK)
	assert.Equal(t, []string{rec.ID}, r.Murals)

	h.world.Join(Viewer{ID: "alice", World: "world"})
	r = c.Execute(Command{Viewer: "alice", Action: "sync", World: "world"})
	assert.True(t, r.OK)
	assert.Equal(t, 15, r.Count)

	r = c.Execute(Command{Viewer: "alice", Action: "remove", World: "world", Artifact: "artifact-999"})
	assert.False(t, r.OK)

	r = c.Execute(Command{Viewer: "alice", Action: "remove", World: "world", Artifact: rec.ArtifactIDs[0]})
	require.True(t, r.OK)
	assert.Equal(t, rec.ID, r.MuralID)

	r = c.Execute(Command{Viewer: "admin", Action: "save"})
	assert.True(t, r.OK)
	assert.Zero(t, r.Count)
}

func TestCommands_Reload(t *testing.T) {
	c, h := newCommands(t)
	h.mustCreate(wallRequest("world"))

	r := c.Execute(Command{Viewer: "admin", Action: "reload"})
	require.True(t, r.OK)
	h.settle()
	assert.Equal(t, 1, h.m.Count())
	assert.Len(t, h.world.Artifacts("world"), 15)
}

func TestCommands_Dispatch(t *testing.T) {
	c, _ := newCommands(t)

	r := c.Dispatch(context.Background(), inlineExecutor{}, []byte(`{"viewer":"alice","action":"tool"}`))
	assert.True(t, r.OK)

	r = c.Dispatch(context.Background(), inlineExecutor{}, []byte(`{`))
	assert.Contains(t, r.Message, "malformed")

	r = c.Dispatch(context.Background(), stoppedExecutor{}, []byte(`{"viewer":"alice","action":"tool"}`))
	assert.False(t, r.OK)
	assert.Equal(t, ErrLoopStopped.Error(), r.Message)
}

func TestCommands_HandleMQTT(t *testing.T) {
	c, _ := newCommands(t)
	handler := c.HandleMQTT(inlineExecutor{})

	var r Reply
	require.NoError(t, json.Unmarshal(handler(context.Background(), []byte(`{"viewer":"admin","action":"list"}`)), &r))
	assert.True(t, r.OK)
	assert.Equal(t, "0 murals loaded", r.Message)
}
