// magnetd is the ADR magnet cooldown daemon. It supervises the cooldown state
// machine, listens for operator commands on the interlock store, archives
// cycles to sqlite, and watches the store connection so it can deramp and exit
// if the interlocks go away for good.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/coldloop/magnetd/internal/config"
	"github.com/coldloop/magnetd/internal/cooldown"
	"github.com/coldloop/magnetd/internal/device"
	"github.com/coldloop/magnetd/internal/interlock"
	"github.com/coldloop/magnetd/internal/storehealth"
	"github.com/coldloop/magnetd/internal/telemetry"
)

// finalDerampTimeout bounds the last-ditch deramp when the interlock store is
// permanently lost. A full deramp from 10 A at 0.005 A/s takes ~34 minutes.
const finalDerampTimeout = 45 * time.Minute

func main() {
	configPath := flag.String("config", "magnetd.yaml", "config file path")
	redisAddr := flag.String("redis", "", "Redis address (overrides config)")
	dbPath := flag.String("db", "", "SQLite archive path (overrides config)")
	statefile := flag.String("statefile", "", "statefile path (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *redisAddr != "" {
		cfg.RedisAddr = *redisAddr
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *statefile != "" {
		cfg.Statefile = *statefile
	}

	// Context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()
	st := interlock.NewRedisStore(rdb)

	if err := st.Ping(ctx); err != nil {
		log.Fatalf("Failed to connect to interlock store at %s: %v", cfg.RedisAddr, err)
	}
	log.Printf("Connected to interlock store at %s", cfg.RedisAddr)

	if err := config.Seed(ctx, st, cfg.Defaults); err != nil {
		log.Fatalf("Failed to seed cycle settings: %v", err)
	}

	db, err := telemetry.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to open archive at %s: %v", cfg.DBPath, err)
	}
	defer db.Close()
	log.Printf("Opened cycle archive at %s", cfg.DBPath)

	recorder := telemetry.NewRecorder(db, st, cfg.SampleInterval)

	hs := device.NewHeatSwitch(st)
	cs := device.NewCurrentSource(st)
	tb := device.NewTemperatureBridge(st)

	initial := cooldown.ComputeInitialState(ctx, st, hs, cs, tb, cfg.Statefile)

	ctrl, err := cooldown.New(cooldown.Config{
		Store:      st,
		HeatSwitch: hs,
		Source:     cs,
		Bridge:     tb,
		Statefile:  cfg.Statefile,
		Interval:   cfg.TickInterval,
		Initial:    initial,
		Log:        recorder,
	})
	if err != nil {
		log.Fatalf("Failed to build cooldown controller: %v", err)
	}
	defer ctrl.Close()

	// The store is the only interlock path. Losing it for good means running
	// blind with an energized magnet, so deramp as far as possible and exit.
	storeMon := storehealth.New(st,
		storehealth.WithInterval(5*time.Second),
		storehealth.WithOnDown(func() {
			log.Println("Interlock store lost — commands unavailable, control loop holds")
		}),
		storehealth.WithOnUp(func() {
			log.Println("Interlock store restored")
		}),
		storehealth.WithOnPermanentLoss(func() {
			log.Println("Interlock store permanently lost — running final deramp")
			derampCtx, cancel := context.WithTimeout(context.Background(), finalDerampTimeout)
			defer cancel()
			if err := ctrl.RunFinalDeramp(derampCtx); err != nil {
				log.Printf("Final deramp: %v", err)
			}
			os.Exit(1)
		}),
	)

	var wg sync.WaitGroup

	// 1. Cooldown tick loop
	wg.Add(1)
	go func() {
		defer wg.Done()
		ctrl.Run(ctx)
	}()

	// 2. Command listener
	wg.Add(1)
	go func() {
		defer wg.Done()
		runCommandListener(ctx, st, ctrl)
	}()

	// 3. Telemetry sampler
	wg.Add(1)
	go func() {
		defer wg.Done()
		recorder.Run(ctx)
	}()

	// 4. Store health monitor
	wg.Add(1)
	go func() {
		defer wg.Done()
		storeMon.Run(ctx)
	}()

	log.Printf("magnetd running, initial state %s", initial)

	<-ctx.Done()
	log.Println("Shutting down...")
	wg.Wait()
	log.Println("Shutdown complete")
}

// runCommandListener subscribes to the command channels and the quench event
// and dispatches to the controller. It automatically re-subscribes if the
// connection drops.
func runCommandListener(ctx context.Context, st interlock.Store, ctrl *cooldown.Controller) {
	for {
		if ctx.Err() != nil {
			return
		}

		ch, err := st.Listen(ctx, interlock.CommandPrefix+"*", interlock.QuenchEvent)
		if err != nil {
			log.Printf("command listener: subscribe: %v", err)
		} else {
			for kv := range ch {
				dispatch(ctx, st, ctrl, kv)
			}
			if ctx.Err() != nil {
				return
			}
			log.Println("command listener: subscription closed, reconnecting...")
		}

		// Back off before retrying
		select {
		case <-ctx.Done():
			return
		case <-time.After(2 * time.Second):
		}
	}
}

// dispatch routes one published command. Rejections are logged and dropped:
// the command channel is fire-and-forget, the operator reads the outcome back
// from the status keys.
func dispatch(ctx context.Context, st interlock.Store, ctrl *cooldown.Controller, kv interlock.KV) {
	if kv.Key == interlock.QuenchEvent {
		log.Printf("command: quench event received (%s)", kv.Value)
		ctrl.Quench(ctx)
		return
	}

	cmd := strings.TrimPrefix(kv.Key, interlock.CommandPrefix)
	switch cmd {
	case interlock.ColdNowCmd:
		if err := ctrl.Start(ctx); err != nil {
			log.Printf("command: get-cold rejected: %v", err)
		}

	case interlock.ColdAtCmd:
		target, err := parseTargetTime(kv.Value)
		if err != nil {
			log.Printf("command: be-cold-at: bad target %q: %v", kv.Value, err)
			return
		}
		if err := ctrl.ScheduleCooldown(ctx, target); err != nil {
			log.Printf("command: be-cold-at rejected: %v", err)
		}

	case interlock.AbortCmd:
		ctrl.Abort(ctx)

	case interlock.CancelCooldownCmd:
		ctrl.CancelScheduledCooldown(ctx)

	default:
		if isSettingKey(cmd) {
			applySetting(ctx, st, cmd, kv.Value)
			return
		}
		// Commands addressed to the driver monitors (including our own
		// publishes) share the command prefix; they are not for us.
		if strings.HasPrefix(cmd, "device-settings:") {
			return
		}
		log.Printf("command: unknown command %q", cmd)
	}
}

// applySetting validates and stores an operator cycle setting. A new
// regulation temperature also becomes the bridge setpoint so the two cannot
// drift apart.
func applySetting(ctx context.Context, st interlock.Store, key, value string) {
	if err := cooldown.ValidateSetting(key, value); err != nil {
		log.Printf("command: setting rejected: %v", err)
		return
	}
	kv := map[string]string{key: value}
	if key == interlock.RegulationTempKey {
		kv[interlock.BridgeSetpointKey] = value
	}
	if err := st.Write(ctx, kv); err != nil {
		log.Printf("command: store setting %s: %v", key, err)
		return
	}
	log.Printf("command: %s = %s", key, value)
}

func isSettingKey(key string) bool {
	for _, k := range interlock.SettingKeys {
		if k == key {
			return true
		}
	}
	return false
}

// parseTargetTime accepts a unix timestamp or an RFC3339 time.
func parseTargetTime(v string) (time.Time, error) {
	if sec, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
		return time.Unix(sec, 0), nil
	}
	if t, err := time.Parse(time.RFC3339, strings.TrimSpace(v)); err == nil {
		return t, nil
	}
	return time.Time{}, errors.New("want unix seconds or RFC3339")
}
