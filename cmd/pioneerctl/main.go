// Command pioneerctl is a thin demonstration binary over package
// pioneeravr: connect, issue one operation from flags, print the
// resulting cached property, exit. It contains no business logic of its
// own; it only wires the facade, the way the teacher's main.go wires HTTP
// routes onto already-implemented handlers rather than implementing
// protocol logic inline.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pioneeravr/pioneeravr"
)

func main() {
	host := flag.String("host", "", "AVR hostname or IP (required)")
	port := flag.Int("port", 8102, "AVR control port")
	zoneFlag := flag.String("zone", "main", "zone: main, z2, z3, hdzone")
	op := flag.String("op", "status", "operation: status, power-on, power-off, volume, mute, unmute, source")
	volume := flag.Int("volume", -1, "volume level for -op=volume")
	source := flag.Int("source", -1, "source id for -op=source")
	timeout := flag.Duration("timeout", 10*time.Second, "time to wait for the session to become ready")
	flag.Parse()

	if *host == "" {
		fmt.Fprintln(os.Stderr, "pioneerctl: -host is required")
		os.Exit(2)
	}

	zone, err := parseZone(*zoneFlag)
	if err != nil {
		log.Fatalf("pioneerctl: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess := pioneeravr.NewSession(*host, *port)
	sess.Start(ctx)
	defer sess.Stop()

	readyCtx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()
	if err := waitReady(readyCtx, sess); err != nil {
		log.Fatalf("pioneerctl: %v", err)
	}

	opCtx, cancelOp := context.WithTimeout(ctx, *timeout)
	defer cancelOp()

	if err := runOp(opCtx, sess, zone, *op, *volume, *source); err != nil {
		log.Fatalf("pioneerctl: %v", err)
	}

	snap := sess.Snapshot(zone)
	fmt.Printf("zone=%s power=%v volume=%d/%d mute=%v source=%s (%s)\n",
		snap.Zone, snap.Power, snap.Volume, snap.MaxVolume, snap.Mute, snap.SourceID, snap.SourceName)
}

func waitReady(ctx context.Context, sess *pioneeravr.Session) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if sess.State() == pioneeravr.StateReady {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for connection: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func runOp(ctx context.Context, sess *pioneeravr.Session, zone pioneeravr.Zone, op string, volume, source int) error {
	switch op {
	case "status":
		return sess.Refresh([]pioneeravr.Zone{zone}, true)
	case "power-on":
		return sess.PowerOn(ctx, zone)
	case "power-off":
		return sess.PowerOff(ctx, zone)
	case "volume":
		if volume < 0 {
			return fmt.Errorf("-op=volume requires -volume")
		}
		return sess.SetVolume(ctx, zone, volume)
	case "mute":
		return sess.SetMute(ctx, zone, true)
	case "unmute":
		return sess.SetMute(ctx, zone, false)
	case "source":
		if source < 0 {
			return fmt.Errorf("-op=source requires -source")
		}
		return sess.SetSourceByID(ctx, zone, source)
	default:
		return fmt.Errorf("unknown -op %q", op)
	}
}

func parseZone(s string) (pioneeravr.Zone, error) {
	switch s {
	case "main":
		return pioneeravr.ZoneMain, nil
	case "z2":
		return pioneeravr.ZoneZ2, nil
	case "z3":
		return pioneeravr.ZoneZ3, nil
	case "hdzone":
		return pioneeravr.ZoneHDZone, nil
	default:
		return 0, fmt.Errorf("unknown zone %q", s)
	}
}
