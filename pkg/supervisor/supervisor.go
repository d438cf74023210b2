// Package supervisor wires the scanner, webhook server, delayed-task
// scheduler and manager client's cache sweeper together as a single
// suture.Supervisor tree, restarting a crashed activity in place rather
// than taking the whole process down, while still honoring the
// process-wide shutdown/drain/grace-period contract.
package supervisor

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"
	"go.uber.org/zap"
)

// Config holds supervision failure-detection and shutdown parameters,
// matching suture's own documented defaults.
type Config struct {
	FailureThreshold float64
	FailureDecay     float64
	FailureBackoff   time.Duration
	ShutdownTimeout  time.Duration
}

// DefaultConfig returns production-ready defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5.0,
		FailureDecay:     30.0,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// Supervisor runs a flat set of long-lived services under one
// suture.Supervisor.
type Supervisor struct {
	root *suture.Supervisor
}

// New builds a Supervisor. baseLogger is adapted to a log/slog.Logger via
// slogHandler below, since sutureslog's event hook is written against
// log/slog rather than zap's SugaredLogger.
func New(baseLogger *zap.SugaredLogger, cfg Config) *Supervisor {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5.0
	}
	if cfg.FailureDecay == 0 {
		cfg.FailureDecay = 30.0
	}
	if cfg.FailureBackoff == 0 {
		cfg.FailureBackoff = 15 * time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	slogLogger := slog.New(newSlogHandler(baseLogger.Desugar()))
	handler := &sutureslog.Handler{Logger: slogLogger}

	root := suture.New("reconcilearr", suture.Spec{
		EventHook:        handler.MustHook(),
		FailureThreshold: cfg.FailureThreshold,
		FailureDecay:     cfg.FailureDecay,
		FailureBackoff:   cfg.FailureBackoff,
		Timeout:          cfg.ShutdownTimeout,
	})

	return &Supervisor{root: root}
}

// Add registers a service to be supervised.
func (s *Supervisor) Add(svc suture.Service) suture.ServiceToken {
	return s.root.Add(svc)
}

// Serve runs every supervised service until ctx is cancelled, draining
// with the configured shutdown timeout.
func (s *Supervisor) Serve(ctx context.Context) error {
	return s.root.Serve(ctx)
}

// slogHandler adapts a *zap.Logger to log/slog.Handler so sutureslog's
// event hook can log through the same core the rest of the process uses.
// zap's own slog bridge lives in the separate go.uber.org/zap/exp module;
// this is the minimal handler sutureslog actually needs.
type slogHandler struct {
	log    *zap.Logger
	attrs  []zap.Field
	groups []string
}

func newSlogHandler(log *zap.Logger) *slogHandler {
	return &slogHandler{log: log.WithOptions(zap.AddCallerSkip(2))}
}

func (h *slogHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *slogHandler) Handle(_ context.Context, r slog.Record) error {
	fields := make([]zap.Field, 0, len(h.attrs)+r.NumAttrs())
	fields = append(fields, h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		fields = append(fields, zap.Any(h.qualify(a.Key), a.Value.Any()))
		return true
	})

	switch {
	case r.Level >= slog.LevelError:
		h.log.Error(r.Message, fields...)
	case r.Level >= slog.LevelWarn:
		h.log.Warn(r.Message, fields...)
	case r.Level >= slog.LevelInfo:
		h.log.Info(r.Message, fields...)
	default:
		h.log.Debug(r.Message, fields...)
	}
	return nil
}

func (h *slogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := &slogHandler{log: h.log, groups: h.groups}
	next.attrs = append(append([]zap.Field{}, h.attrs...), h.toFields(attrs)...)
	return next
}

func (h *slogHandler) WithGroup(name string) slog.Handler {
	next := &slogHandler{log: h.log, attrs: h.attrs}
	next.groups = append(append([]string{}, h.groups...), name)
	return next
}

func (h *slogHandler) toFields(attrs []slog.Attr) []zap.Field {
	fields := make([]zap.Field, 0, len(attrs))
	for _, a := range attrs {
		fields = append(fields, zap.Any(h.qualify(a.Key), a.Value.Any()))
	}
	return fields
}

func (h *slogHandler) qualify(key string) string {
	if len(h.groups) == 0 {
		return key
	}
	return strings.Join(h.groups, ".") + "." + key
}
