package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/samirrijal/mapprobe/internal/adapters/elevation"
	natsadapter "github.com/samirrijal/mapprobe/internal/adapters/nats"
	"github.com/samirrijal/mapprobe/internal/core/domain"
	"github.com/samirrijal/mapprobe/internal/core/ports"
	"github.com/samirrijal/mapprobe/internal/core/probe"
	"github.com/samirrijal/mapprobe/internal/core/usecases"
	"github.com/samirrijal/mapprobe/internal/pkg/config"
	"github.com/samirrijal/mapprobe/internal/pkg/logging"
)

// transition is one rendered state, stamped with its offset from mount.
type transition struct {
	AtMS  int64             `json:"at_ms"`
	State domain.ProbeState `json:"state"`
}

func main() {
	settle := flag.Duration("settle", 2*time.Second, "how long to keep the session mounted after the last event")
	speed := flag.Float64("speed", 1, "playback speed multiplier")
	watch := flag.String("watch", "", "print published states of this session id from NATS instead of replaying")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: replay [flags] trace.jsonl\n       replay -watch SESSION_ID\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load("mapprobe-replay")
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	// stdout carries the transitions
	logging.SetupTo(os.Stderr, cfg.Log.Level, "text")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *watch != "" {
		if err := watchSession(ctx, cfg.NATS.URL, *watch, os.Stdout); err != nil {
			log.Fatalf("watch: %v", err)
		}
		return
	}

	if flag.NArg() != 1 || *speed <= 0 {
		flag.Usage()
		os.Exit(2)
	}

	f, err := os.Open(flag.Arg(0))
	if err != nil {
		log.Fatalf("open trace: %v", err)
	}
	events, err := ParseTrace(f)
	f.Close()
	if err != nil {
		log.Fatalf("parse trace: %v", err)
	}

	backend, err := elevation.NewClient(elevation.Config{
		Endpoint:   cfg.Elevation.Endpoint,
		Credential: cfg.Elevation.Credential,
		Unit:       cfg.Elevation.Unit,
		Timeout:    cfg.Elevation.Timeout(),
		RatePerSec: cfg.Elevation.RatePerSec,
	})
	if err != nil {
		log.Fatalf("elevation client: %v", err)
	}

	probes := usecases.NewProbeService(
		usecases.NewElevationService(backend, nil, 0),
		nil, nil,
		usecases.ProbeOptions{
			ViewportDelay:  cfg.Probe.ViewportDelay(),
			ElevationDelay: cfg.Probe.ElevationDelay(),
		},
	)

	slog.Info("replaying trace", "file", flag.Arg(0), "events", len(events), "speed", *speed)
	if err := replay(ctx, probes, events, *speed, *settle, os.Stdout); err != nil {
		log.Fatalf("replay: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := probes.Shutdown(shutdownCtx); err != nil {
		slog.Warn("shutdown", "error", err)
	}
}

// replay mounts a session from the first event, feeds the rest at their
// recorded offsets and writes every rendered state to out.
func replay(ctx context.Context, probes *usecases.ProbeService, events []Event, speed float64, settle time.Duration, out io.Writer) error {
	var (
		mu    sync.Mutex
		enc   = json.NewEncoder(out)
		start = time.Now()
	)
	render := ports.RenderFunc(func(_ string, st domain.ProbeState) {
		mu.Lock()
		defer mu.Unlock()
		if err := enc.Encode(transition{AtMS: time.Since(start).Milliseconds(), State: st}); err != nil {
			slog.Warn("write transition", "error", err)
		}
	})

	sess, err := probes.Open(*events[0].Bounds, render)
	if err != nil {
		return err
	}
	defer sess.Dispose()
	slog.Info("session mounted", "session_id", sess.ID())

	scale := func(d time.Duration) time.Duration { return time.Duration(float64(d) / speed) }

	for _, ev := range events[1:] {
		if wait := scale(ev.At()) - time.Since(start); wait > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil
			}
		}
		if err := apply(sess, ev); err != nil {
			return fmt.Errorf("event at %dms: %w", ev.AtMS, err)
		}
		if ev.Type == eventDispose {
			return nil
		}
	}

	select {
	case <-time.After(scale(settle)):
	case <-ctx.Done():
	}
	return nil
}

func apply(sess *probe.Session, ev Event) error {
	switch ev.Type {
	case eventViewport:
		return sess.ViewportChanged(*ev.Bounds)
	case eventPointer:
		return sess.PointerMoved(domain.Coordinate{Lat: ev.Lat, Lng: ev.Lng})
	case eventToggle:
		return sess.ToggleOverlay()
	case eventDispose:
		sess.Dispose()
	}
	return nil
}

// watchSession prints the states another process publishes for sessionID
// until ctx is cancelled.
func watchSession(ctx context.Context, url, sessionID string, out io.Writer) error {
	sub, err := natsadapter.NewSubscriber(url)
	if err != nil {
		return err
	}
	defer sub.Close()

	enc := json.NewEncoder(out)
	slog.Info("watching session", "session_id", sessionID, "subject", natsadapter.Subject(sessionID))
	err = sub.SubscribeStates(ctx, sessionID, func(_ context.Context, msg natsadapter.StateMessage) {
		if err := enc.Encode(msg); err != nil {
			slog.Warn("write state", "error", err)
		}
	})
	if err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}
