package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kwv/muralwall/mural"
)

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func newTestApp(t *testing.T, dir string) *App {
	t.Helper()
	app := NewApp()
	app.ApplyOptions(AppOptions{ConfigFile: defaultConfigFile, DataDir: dir, Format: "png"})
	app.log = zap.NewNop()
	return app
}

// seedRecords writes a record file holding one north-facing 5x3 mural.
func seedRecords(t *testing.T, path string) *mural.Record {
	t.Helper()
	st := mural.NewStore(path)
	rec := st.Create(
		mural.NewRegion("world", mural.BlockPos{X: 5, Y: 60, Z: 3}, mural.BlockPos{X: 9, Y: 62, Z: 3}),
		testImageURL, mural.North)
	require.NoError(t, st.SaveAll())
	return rec
}

// ---------------------------------------------------------------------------
// configuration
// ---------------------------------------------------------------------------

func TestApp_ConfigPath(t *testing.T) {
	app := NewApp()
	assert.Equal(t, "config.yaml", app.configPath())

	app.ApplyOptions(AppOptions{ConfigFile: defaultConfigFile, DataDir: "/data"})
	assert.Equal(t, filepath.Join("/data", "config.yaml"), app.configPath())

	app.ApplyOptions(AppOptions{ConfigFile: "/etc/muralwall.yaml", DataDir: "/data"})
	assert.Equal(t, "/etc/muralwall.yaml", app.configPath())
}

func TestApp_LoadConfig(t *testing.T) {
	t.Run("missing default falls back", func(t *testing.T) {
		app := newTestApp(t, t.TempDir())
		config, err := app.loadConfig()
		require.NoError(t, err)
		assert.Equal(t, "murals.json", config.Storage.Path)
	})

	t.Run("missing explicit file fails", func(t *testing.T) {
		app := newTestApp(t, t.TempDir())
		app.ConfigFile = filepath.Join(t.TempDir(), "nope.yaml")
		_, err := app.loadConfig()
		assert.Error(t, err)
	})

	t.Run("file in data dir", func(t *testing.T) {
		dir := t.TempDir()
		config := mural.DefaultConfig()
		config.HTTP.Port = 9191
		config.Worlds = []string{"world", "nether"}
		require.NoError(t, mural.SaveConfig(filepath.Join(dir, "config.yaml"), config))

		app := newTestApp(t, dir)
		got, err := app.loadConfig()
		require.NoError(t, err)
		assert.Equal(t, 9191, got.HTTP.Port)
		assert.Equal(t, []string{"world", "nether"}, got.Worlds)
	})

	t.Run("invalid file", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("workers: 0\n"), 0o644))
		_, err := newTestApp(t, dir).loadConfig()
		assert.Error(t, err)
	})
}

func TestApp_Resolve(t *testing.T) {
	app := newTestApp(t, "/data")
	assert.Equal(t, filepath.Join("/data", "murals.json"), app.resolve("murals.json"))
	assert.Equal(t, "/abs/murals.json", app.resolve("/abs/murals.json"))
	assert.Empty(t, app.resolve(""))
}

func TestApp_RunValidateConfig(t *testing.T) {
	app := newTestApp(t, t.TempDir())
	var out bytes.Buffer
	require.NoError(t, app.RunValidateConfig(&out))
	assert.Contains(t, out.String(), "config OK")
	assert.Contains(t, out.String(), "mqtt:    disabled")
}

func TestApp_RunInitConfig(t *testing.T) {
	dir := t.TempDir()
	app := newTestApp(t, dir)

	var out bytes.Buffer
	require.NoError(t, app.RunInitConfig(&out))
	assert.Contains(t, out.String(), filepath.Join(dir, "config.yaml"))

	got, err := app.loadConfig()
	require.NoError(t, err)
	assert.Equal(t, mural.DefaultMaxImagePixels, int(got.Fetch.MaxPixels))
	assert.Equal(t, 4040, got.HTTP.Port)

	assert.ErrorContains(t, app.RunInitConfig(&out), "already exists")
}

// ---------------------------------------------------------------------------
// offline commands
// ---------------------------------------------------------------------------

func TestApp_RunList(t *testing.T) {
	dir := t.TempDir()
	rec := seedRecords(t, filepath.Join(dir, "murals.json"))

	var out bytes.Buffer
	require.NoError(t, newTestApp(t, dir).RunList(&out))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "ID"))
	assert.Contains(t, lines[1], rec.ID)
	assert.Contains(t, lines[1], "5x3")
	assert.Equal(t, "1 murals", lines[2])
}

func TestApp_RunReconcile(t *testing.T) {
	dir := t.TempDir()
	seedRecords(t, filepath.Join(dir, "murals.json"))

	var out bytes.Buffer
	require.NoError(t, newTestApp(t, dir).RunReconcile(&out))

	var report mural.ReconcileReport
	require.NoError(t, json.NewDecoder(&out).Decode(&report))
	want := mural.ReconcileReport{Records: 1, Positions: 15}
	if diff := cmp.Diff(want, report); diff != "" {
		t.Errorf("report mismatch (-want +got):\n%s", diff)
	}
}

func TestApp_RunPreviewSVG(t *testing.T) {
	dir := t.TempDir()
	rec := seedRecords(t, filepath.Join(dir, "murals.json"))

	app := newTestApp(t, dir)
	app.Format = "svg"
	app.OutputFile = filepath.Join(dir, "layout.svg")

	var out bytes.Buffer
	require.NoError(t, app.RunPreview(rec.ID, &out))
	assert.Contains(t, out.String(), "wrote ")

	data, err := os.ReadFile(app.OutputFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "<svg")
}

func TestApp_RunPreviewUnknownID(t *testing.T) {
	dir := t.TempDir()
	seedRecords(t, filepath.Join(dir, "murals.json"))

	err := newTestApp(t, dir).RunPreview("missing", &bytes.Buffer{})
	assert.ErrorIs(t, err, mural.ErrNotFound)
}

// ---------------------------------------------------------------------------
// service
// ---------------------------------------------------------------------------

func TestService_ServeRespawnsAndSaves(t *testing.T) {
	dir := t.TempDir()
	resolve := func(p string) string { return filepath.Join(dir, p) }
	seeded := seedRecords(t, resolve("murals.json"))

	svc, err := newService(testConfig(), resolve, stubFetcher{}, zap.NewNop())
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- svc.Serve(ctx, ln) }()

	base := "http://" + ln.Addr().String()
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/murals/" + seeded.ID)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var rec mural.Record
		if resp.StatusCode != http.StatusOK || json.NewDecoder(resp.Body).Decode(&rec) != nil {
			return false
		}
		return len(rec.ArtifactIDs) == 15
	}, 3*time.Second, 10*time.Millisecond)
	assert.Len(t, svc.world.Artifacts("world"), 15)

	cancel()
	select {
	case err := <-served:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}

	records, err := mural.ReadRecordFile(resolve("murals.json"))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Len(t, records[0].ArtifactIDs, 15)
	assert.FileExists(t, resolve("audit.db"))
}

func TestHubBridge_RunsOnLoop(t *testing.T) {
	env := newTestEnv(t, stubFetcher{}, nil)
	bridge := &hubBridge{loop: env.svc.loop, world: env.svc.world, manager: env.svc.manager}

	bridge.ViewerJoined(mural.Viewer{ID: "carol", World: "world"})
	require.Eventually(t, func() bool { return len(env.svc.world.Viewers()) == 1 }, time.Second, 5*time.Millisecond)

	bridge.ArtifactShown("carol", "no-such-artifact")
	bridge.ViewerLeft("carol")
	require.Eventually(t, func() bool { return len(env.svc.world.Viewers()) == 0 }, time.Second, 5*time.Millisecond)
}
