package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	// Controllers run on minimal images without a zoneinfo database.
	_ "time/tzdata"

	"github.com/tphakala/parkctl/internal/errors"
	"gopkg.in/natefinch/lumberjack.v2"
)

// below slog.LevelDebug (-4)
const traceLevelValue = slog.Level(-8)

var (
	globalLogger   *CentralLogger
	globalLoggerMu sync.Mutex
)

// SetGlobal installs the process logger. Called once from the command
// bootstrap after configuration is loaded.
func SetGlobal(cl *CentralLogger) {
	globalLoggerMu.Lock()
	defer globalLoggerMu.Unlock()
	globalLogger = cl
}

// Global returns the process logger, or a console-only logger at info level
// when none has been installed (tests, early startup).
func Global() *CentralLogger {
	globalLoggerMu.Lock()
	defer globalLoggerMu.Unlock()
	if globalLogger == nil {
		globalLogger = &CentralLogger{
			cfg:          &LoggingConfig{DefaultLevel: DefaultLogLevel},
			base:         newTextHandler(os.Stdout, slog.LevelInfo, time.Local, false),
			routes:       map[string]route{},
			defaultLevel: slog.LevelInfo,
		}
	}
	return globalLogger
}

// route is a module's dedicated output.
type route struct {
	handler slog.Handler
	level   slog.Level
}

// CentralLogger owns the process's log outputs: console text, the main JSON
// file and the per-module files (fieldbus traffic, the parking journal).
// Module hands out loggers bound to them.
type CentralLogger struct {
	cfg          *LoggingConfig
	base         slog.Handler
	routes       map[string]route
	defaultLevel slog.Level

	mu    sync.RWMutex
	files []*lumberjack.Logger // distinct rotating files, main file first
}

// NewCentralLogger opens every configured output. Modules configured with the
// same file path share one writer.
func NewCentralLogger(cfg *LoggingConfig) (*CentralLogger, error) {
	if cfg == nil {
		return nil, errors.Newf("logging config cannot be nil").
			Component("logger").
			Category(errors.CategoryConfiguration).
			Build()
	}
	applyConfigDefaults(cfg)

	tz, err := loadTimezone(cfg.Timezone)
	if err != nil {
		return nil, err
	}

	cl := &CentralLogger{
		cfg:          cfg,
		routes:       make(map[string]route, len(cfg.ModuleOutputs)),
		defaultLevel: parseLogLevel(cfg.DefaultLevel),
	}
	if err := cl.open(tz); err != nil {
		_ = cl.Close()
		return nil, err
	}
	return cl, nil
}

func loadTimezone(name string) (*time.Location, error) {
	if name == "" || name == "Local" {
		return time.Local, nil
	}
	tz, err := time.LoadLocation(name)
	if err != nil {
		return nil, errors.New(fmt.Errorf("invalid timezone %s: %w", name, err)).
			Component("logger").
			Category(errors.CategoryConfiguration).
			Build()
	}
	return tz, nil
}

// open builds the base handler and one route per enabled module file.
func (cl *CentralLogger) open(tz *time.Location) error {
	cfg := cl.cfg
	var console slog.Handler
	if cfg.Console != nil && cfg.Console.Enabled {
		console = newTextHandler(os.Stdout, parseLogLevel(cfg.Console.Level), tz, false)
	}

	var outs []slog.Handler
	if console != nil {
		outs = append(outs, console)
	}
	if fo := cfg.FileOutput; fo != nil && fo.Enabled {
		w, err := cl.rotatingFile(fo.Path, fo.MaxSize, fo.MaxAge, fo.MaxRotatedFiles, fo.Compress)
		if err != nil {
			return err
		}
		outs = append(outs, newJSONHandler(w, parseLogLevel(fo.Level), tz))
	}
	if len(outs) == 0 {
		outs = append(outs, newTextHandler(os.Stdout, cl.defaultLevel, tz, false))
	}
	cl.base = fanOut(outs)

	byPath := make(map[string]*lumberjack.Logger)
	for module, mo := range cfg.ModuleOutputs {
		if !mo.Enabled || mo.FilePath == "" {
			continue
		}
		level := cl.levelFor(module)
		if mo.Level != "" {
			level = parseLogLevel(mo.Level)
		}

		w, ok := byPath[mo.FilePath]
		if !ok {
			size, age, backups, compress := mo.MaxSize, mo.MaxAge, mo.MaxRotatedFiles, false
			if fo := cfg.FileOutput; fo != nil {
				size = orDefault(size, fo.MaxSize)
				age = orDefault(age, fo.MaxAge)
				backups = orDefault(backups, fo.MaxRotatedFiles)
				compress = fo.Compress
			}
			var err error
			if w, err = cl.rotatingFile(mo.FilePath, size, age, backups, compress); err != nil {
				return fmt.Errorf("module %s: %w", module, err)
			}
			byPath[mo.FilePath] = w
		}

		var h slog.Handler
		if mo.Plain {
			h = newTextHandler(w, level, tz, true)
		} else {
			h = newJSONHandler(w, level, tz)
		}
		if mo.ConsoleAlso && console != nil {
			h = fanOut([]slog.Handler{h, newTextHandler(os.Stdout, level, tz, false)})
		}
		cl.routes[module] = route{handler: h, level: level}
	}
	return nil
}

// orDefault returns v, or fallback when v is unset.
func orDefault(v, fallback int) int {
	if v == 0 {
		return fallback
	}
	return v
}

func fanOut(handlers []slog.Handler) slog.Handler {
	if len(handlers) == 1 {
		return handlers[0]
	}
	return newMultiWriterHandler(handlers...)
}

// rotatingFile creates the file's directory and registers a lumberjack writer for it.
func (cl *CentralLogger) rotatingFile(path string, maxSize, maxAge, maxBackups int, compress bool) (*lumberjack.Logger, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, errors.New(fmt.Errorf("create log directory %s: %w", dir, err)).
				Component("logger").
				Category(errors.CategorySystem).
				Build()
		}
	}
	w := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSize,
		MaxAge:     maxAge,
		MaxBackups: maxBackups,
		Compress:   compress,
		LocalTime:  true,
	}
	cl.files = append(cl.files, w)
	return w, nil
}

func (cl *CentralLogger) levelFor(module string) slog.Level {
	if name, ok := cl.cfg.ModuleLevels[module]; ok {
		return parseLogLevel(name)
	}
	return cl.defaultLevel
}

// Module returns a logger for the named module, writing to its dedicated file
// when one is configured and to the console and main file otherwise.
func (cl *CentralLogger) Module(name string) Logger {
	if cl == nil {
		return nil
	}
	if r, ok := cl.routes[name]; ok {
		return &moduleLogger{module: name, logger: slog.New(r.handler), level: r.level}
	}
	return &moduleLogger{module: name, logger: slog.New(cl.base), level: cl.levelFor(name)}
}

// Rotate starts a new file for every output and keeps the old ones as
// lumberjack backups.
func (cl *CentralLogger) Rotate() error {
	if cl == nil {
		return nil
	}
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	errs := make([]error, 0, len(cl.files))
	for _, f := range cl.files {
		if err := f.Rotate(); err != nil {
			errs = append(errs, fmt.Errorf("rotate %s: %w", f.Filename, err))
		}
	}
	return errors.Join(errs...)
}

// RotateOn rotates the log files each time sig fires until ctx ends. The
// command bootstrap feeds it SIGHUP.
func (cl *CentralLogger) RotateOn(ctx context.Context, sig <-chan os.Signal) {
	log := cl.Module("logger")
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-sig:
			if err := cl.Rotate(); err != nil {
				log.Warn("log rotation failed", String("signal", s.String()), Error(err))
				continue
			}
			log.Info("log files rotated", String("signal", s.String()))
		}
	}
}

// Close closes every file. Loggers handed out earlier must not be used after.
func (cl *CentralLogger) Close() error {
	if cl == nil {
		return nil
	}
	cl.mu.Lock()
	defer cl.mu.Unlock()
	var errs []error
	for _, f := range cl.files {
		if err := f.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", f.Filename, err))
		}
	}
	cl.files = nil
	return errors.Join(errs...)
}

var levelNames = map[string]slog.Level{
	"trace": traceLevelValue,
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// parseLogLevel maps a level name to slog; unknown names mean info.
func parseLogLevel(name string) slog.Level {
	if l, ok := levelNames[strings.ToLower(name)]; ok {
		return l
	}
	return slog.LevelInfo
}
