package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/kwv/muralwall/mural"
)

const defaultConfigFile = "config.yaml"

// App encapsulates the application state and dependencies
type App struct {
	Config *mural.Config

	// CLI flags
	ConfigFile string
	DataDir    string
	OutputFile string
	Format     string
	Width      int
	Verbose    bool

	log *zap.Logger
}

// NewApp creates a new App instance
func NewApp() *App {
	return &App{DataDir: ".", ConfigFile: defaultConfigFile, Format: "png"}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.ConfigFile = opts.ConfigFile
	a.DataDir = opts.DataDir
	a.OutputFile = opts.OutputFile
	a.Format = opts.Format
	a.Width = opts.Width
	a.Verbose = opts.Verbose
}

func (a *App) logger() *zap.Logger {
	if a.log != nil {
		return a.log
	}
	config := zap.NewProductionConfig()
	if a.Verbose {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	log, err := config.Build()
	if err != nil {
		log = zap.NewNop()
	}
	a.log = log
	return log
}

// configPath resolves the config file against the data dir when the flag
// was left at its default.
func (a *App) configPath() string {
	if a.DataDir != "" && a.DataDir != "." && a.ConfigFile == defaultConfigFile {
		return filepath.Join(a.DataDir, defaultConfigFile)
	}
	return a.ConfigFile
}

// loadConfig reads the config file. A missing default config file falls
// back to the built-in defaults; an explicitly named one must exist.
func (a *App) loadConfig() (*mural.Config, error) {
	path := a.configPath()
	config, err := mural.LoadConfig(path)
	if err != nil {
		if _, statErr := os.Stat(path); errors.Is(statErr, os.ErrNotExist) && a.ConfigFile == defaultConfigFile {
			a.logger().Warn("no config file, using defaults", zap.String("path", path))
			config = mural.DefaultConfig()
			config.ApplyEnv()
			if err := config.Validate(); err != nil {
				return nil, err
			}
			a.Config = config
			return config, nil
		}
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	a.Config = config
	return config, nil
}

// resolve makes p relative to the data dir unless it is absolute.
func (a *App) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(a.DataDir, p)
}

// RunService runs the mural service until ctx is cancelled.
func (a *App) RunService(ctx context.Context) error {
	config, err := a.loadConfig()
	if err != nil {
		return err
	}
	log := a.logger()
	defer func() { _ = log.Sync() }()

	svc, err := newService(config, a.resolve, nil, log)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", config.HTTP.Port))
	if err != nil {
		_ = svc.Close()
		return fmt.Errorf("listen on port %d: %w", config.HTTP.Port, err)
	}
	log.Info("HTTP server listening", zap.String("addr", ln.Addr().String()))
	return svc.Serve(ctx, ln)
}

// RunReconcile runs one cleanup pass against the record file and prints
// the report.
func (a *App) RunReconcile(out io.Writer) error {
	config, err := a.loadConfig()
	if err != nil {
		return err
	}
	world := mural.NewMemoryWorld(config.Worlds...)
	rc := mural.NewReconciler(world, config.Reconcile.Radius, a.logger().Named("reconcile"))
	report := rc.RunFile(a.resolve(config.Storage.Path))

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return err
	}
	for _, w := range report.Warnings {
		fmt.Fprintf(out, "warning: %v\n", w)
	}
	return nil
}

// RunList prints the murals in the record file.
func (a *App) RunList(out io.Writer) error {
	config, err := a.loadConfig()
	if err != nil {
		return err
	}
	records, err := mural.ReadRecordFile(a.resolve(config.Storage.Path))
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tWORLD\tFACING\tSIZE\tTILES\tURL")
	for _, rec := range records {
		cols, rows := mural.GridSize(rec.Region(), rec.Facing)
		fmt.Fprintf(tw, "%s\t%s\t%s\t%dx%d\t%d\t%s\n", rec.ID, rec.WorldName, rec.Facing, cols, rows, len(rec.TileIDs), rec.ImageURL)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "%d murals\n", len(records))
	return nil
}

// RunPreview renders a preview of one mural to a file. The png format
// downloads the image and draws it with the tile grid; svg draws the
// tile layout only.
func (a *App) RunPreview(id string, out io.Writer) error {
	config, err := a.loadConfig()
	if err != nil {
		return err
	}
	records, err := mural.ReadRecordFile(a.resolve(config.Storage.Path))
	if err != nil {
		return err
	}
	var rec *mural.Record
	for _, r := range records {
		if r.ID == id {
			rec = r
			break
		}
	}
	if rec == nil {
		return fmt.Errorf("preview %s: %w", id, mural.ErrNotFound)
	}

	format := strings.ToLower(a.Format)
	if format == "" {
		format = "png"
	}
	path := a.OutputFile
	if path == "" {
		path = id + "." + format
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	switch format {
	case "svg":
		err = mural.RenderLayoutSVG(f, rec, nil)
	case "png":
		fetcher := mural.NewFetcher(append(config.FetchOptions(), mural.WithFetchLogger(a.logger().Named("fetch")))...)
		ctx, cancel := context.WithTimeout(context.Background(), config.Fetch.ConnectTimeout+config.Fetch.ReadTimeout)
		defer cancel()
		img, ferr := fetcher.Fetch(ctx, rec.ImageURL)
		if ferr != nil {
			return ferr
		}
		err = png.Encode(f, mural.RenderPreview(rec, img, a.Width))
	default:
		return fmt.Errorf("unknown format %q", format)
	}
	if err != nil {
		return fmt.Errorf("render preview: %w", err)
	}
	fmt.Fprintf(out, "wrote %s\n", path)
	return nil
}

// RunValidateConfig loads the config file and reports the result.
func (a *App) RunValidateConfig(out io.Writer) error {
	config, err := a.loadConfig()
	if err != nil {
		return err
	}
	mqttState := "disabled"
	if config.MQTT.Broker != "" {
		mqttState = config.MQTT.Broker
	}
	fmt.Fprintf(out, "config OK: %s\n", a.configPath())
	fmt.Fprintf(out, "  records: %s (backup %t)\n", a.resolve(config.Storage.Path), config.Storage.Backup)
	fmt.Fprintf(out, "  worlds:  %s\n", strings.Join(config.Worlds, ", "))
	fmt.Fprintf(out, "  http:    :%d\n", config.HTTP.Port)
	fmt.Fprintf(out, "  mqtt:    %s\n", mqttState)
	return nil
}

// RunInitConfig writes the default configuration to the config path. An
// existing file is left alone.
func (a *App) RunInitConfig(out io.Writer) error {
	path := a.configPath()
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	}
	if err := mural.SaveConfig(path, mural.DefaultConfig()); err != nil {
		return err
	}
	fmt.Fprintf(out, "wrote %s\n", path)
	return nil
}

// service is the running mural system: the tick loop owning world
// mutation plus everything that feeds it.
type service struct {
	config    *mural.Config
	log       *zap.Logger
	world     *mural.MemoryWorld
	loop      *mural.TickLoop
	hub       *mural.TileHub
	manager   *mural.Manager
	commands  *mural.Commands
	publisher *mural.Publisher
	mqtt      *mural.MQTTClient // nil when no broker is configured
	audit     *mural.AuditLog   // nil when storage.auditDb is empty
}

// newService wires the components. resolve maps configured paths to real
// ones. A nil fetcher selects the secure HTTPS fetcher from config.
func newService(config *mural.Config, resolve func(string) string, fetcher mural.ImageFetcher, log *zap.Logger) (*service, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if resolve == nil {
		resolve = func(p string) string { return p }
	}
	s := &service{
		config: config,
		log:    log,
		world:  mural.NewMemoryWorld(config.Worlds...),
		loop:   mural.NewTickLoop(config.TickRate),
	}
	s.hub = mural.NewTileHub(nil, log.Named("ws"))

	if fetcher == nil {
		fetcher = mural.NewFetcher(append(config.FetchOptions(), mural.WithFetchLogger(log.Named("fetch")))...)
	}

	var sinks mural.MultiSink
	if config.Storage.AuditDB != "" {
		audit, err := mural.OpenAuditLog(resolve(config.Storage.AuditDB), log.Named("audit"))
		if err != nil {
			return nil, err
		}
		s.audit = audit
		sinks = append(sinks, audit)
	}

	// The MQTT command handler needs the command interpreter, which needs
	// the manager, which needs the publisher built on the MQTT client.
	ready := make(chan struct{})
	mqttClient, err := mural.InitMQTT(config.MQTT, func(ctx context.Context, payload []byte) []byte {
		select {
		case <-ready:
		case <-ctx.Done():
			return nil
		}
		return s.commands.HandleMQTT(s.loop)(ctx, payload)
	}, log.Named("mqtt"))
	if err != nil {
		s.closeSinks()
		return nil, fmt.Errorf("init MQTT: %w", err)
	}
	s.mqtt = mqttClient
	if mqttClient != nil {
		s.publisher = mural.NewPublisher(mqttClient.GetClient(), config.MQTT.PublishPrefix, log.Named("publish"))
	} else {
		s.publisher = mural.NewPublisher(nil, config.MQTT.PublishPrefix, log.Named("publish"))
	}
	s.publisher.SetQoS(config.MQTT.QoS)
	sinks = append(sinks, s.publisher)

	store := mural.NewStore(resolve(config.Storage.Path),
		mural.WithBackup(config.Storage.Backup),
		mural.WithStoreLogger(log.Named("store")))
	cache := mural.NewRenderCache(s.hub, nil, config.Sync.Cooldown, log.Named("sync"))

	s.manager = mural.NewManager(store, s.world, fetcher, cache, s.loop, mural.ManagerOptions{
		Workers:         config.Workers,
		PostSpawnDelay:  config.Sync.PostSpawnDelay,
		JoinDelay:       config.Sync.JoinDelay,
		StartupDelay:    config.Reconcile.StartupDelay,
		ReconcileRadius: config.Reconcile.Radius,
		MaxWallWidth:    config.MaxWallWidth,
		Events:          sinks,
		Logger:          log.Named("manager"),
	})
	s.commands = mural.NewCommands(s.manager, mural.NewSelectionTracker(), config.PermissionTable(), log.Named("commands"))
	s.hub.SetListener(&hubBridge{loop: s.loop, world: s.world, manager: s.manager})
	close(ready)
	return s, nil
}

// Serve runs the loop, the event publisher and the HTTP server on ln
// until ctx is cancelled, then shuts down and saves.
func (s *service) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           newHTTPServer(s),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.loop.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		s.publisher.Run(gctx)
		return nil
	})
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.hub.CloseAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	s.manager.Startup(func(report *mural.ReconcileReport) {
		s.log.Info("startup reconcile finished",
			zap.Int("removed", report.Removed),
			zap.Int("failures", report.Failures))
	})

	err := g.Wait()
	s.log.Info("shutting down")
	if cerr := s.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Close saves the records and releases the sinks. The loop must no longer
// be running.
func (s *service) Close() error {
	err := s.manager.Close()
	if err != nil {
		s.log.Error("final save failed", zap.Error(err))
	}
	s.closeSinks()
	return err
}

func (s *service) closeSinks() {
	if s.audit != nil {
		if err := s.audit.Close(); err != nil {
			s.log.Warn("closing audit log", zap.Error(err))
		}
	}
	if s.mqtt != nil {
		s.mqtt.Disconnect()
	}
}

// hubBridge moves websocket session callbacks onto the tick loop.
type hubBridge struct {
	loop    *mural.TickLoop
	world   *mural.MemoryWorld
	manager *mural.Manager
}

func (b *hubBridge) ViewerJoined(v mural.Viewer) {
	b.loop.RunOnTick(func() {
		b.world.Join(v)
		b.manager.ViewerJoined(v)
	})
}

func (b *hubBridge) ViewerLeft(id mural.ViewerID) {
	b.loop.RunOnTick(func() {
		b.world.Leave(id)
		b.manager.ViewerLeft(id)
	})
}

func (b *hubBridge) ArtifactShown(viewer mural.ViewerID, aid mural.ArtifactID) {
	b.loop.RunOnTick(func() {
		b.manager.ArtifactShown(viewer, aid)
	})
}
