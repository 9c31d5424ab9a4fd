// magnetctl is the operator CLI for magnetd. Commands go out as publishes on
// the interlock store's command channels; status is read back from the status
// keys the daemon maintains.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/coldloop/magnetd/internal/interlock"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: magnetctl [-redis addr] <command> [args]

Commands:
  status                      show controller state and status line
  start                       start a cooldown now
  abort                       abort the cycle (deramp to zero)
  quench                      emergency stop: kill current immediately
  schedule <cold-by-time>     schedule a cooldown (RFC3339 or unix seconds)
  cancel                      cancel a scheduled cooldown
  set <setting> <value>       update a cycle setting

Settings: soak-current, soak-time, ramp-rate, deramp-rate, regulating-temp
`)
	os.Exit(2)
}

func main() {
	redisAddr := flag.String("redis", "localhost:6379", "Redis address")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rdb := redis.NewClient(&redis.Options{Addr: *redisAddr})
	defer rdb.Close()
	st := interlock.NewRedisStore(rdb)

	if err := st.Ping(ctx); err != nil {
		fatalf("connect to interlock store at %s: %v", *redisAddr, err)
	}

	switch args[0] {
	case "status":
		runStatus(ctx, st)
	case "start":
		publish(ctx, st, interlock.ColdNowCmd, "")
		fmt.Println("cooldown start requested")
	case "abort":
		publish(ctx, st, interlock.AbortCmd, "")
		fmt.Println("abort requested")
	case "quench":
		if err := st.Publish(ctx, interlock.QuenchEvent, "operator"); err != nil {
			fatalf("publish quench: %v", err)
		}
		fmt.Println("quench requested")
	case "schedule":
		if len(args) != 2 {
			usage()
		}
		runSchedule(ctx, st, args[1])
	case "cancel":
		publish(ctx, st, interlock.CancelCooldownCmd, "")
		fmt.Println("schedule cancellation requested")
	case "set":
		if len(args) != 3 {
			usage()
		}
		runSet(ctx, st, args[1], args[2])
	default:
		usage()
	}
}

func runStatus(ctx context.Context, st interlock.Store) {
	rows := []struct{ label, key string }{
		{"state", interlock.MagnetStateKey},
		{"status", interlock.MagnetStatusKey},
		{"current", interlock.MagnetCurrentKey},
		{"device temp", interlock.DeviceTempKey},
		{"heat switch", interlock.HeatswitchPositionKey},
		{"hs driver", interlock.HeatswitchStatusKey},
		{"csource", interlock.SourceStatusKey},
		{"bridge", interlock.BridgeStatusKey},
		{"scheduled", interlock.CooldownScheduledKey},
		{"store", interlock.StoreHealthKey},
	}
	for _, row := range rows {
		val, err := st.Read(ctx, row.key)
		if errors.Is(err, interlock.ErrNotFound) {
			val = "(unset)"
		} else if err != nil {
			fatalf("read %s: %v", row.key, err)
		}
		fmt.Printf("%-12s %s\n", row.label+":", val)
	}

	if ts, err := st.Read(ctx, interlock.ScheduledTimestampKey); err == nil && ts != "" {
		if sec, err := strconv.ParseInt(ts, 10, 64); err == nil {
			fmt.Printf("%-12s %s\n", "cold by:", time.Unix(sec, 0).Format(time.RFC3339))
		}
	}
}

func runSchedule(ctx context.Context, st interlock.Store, target string) {
	// Validate locally before publishing so obvious typos fail loudly here
	// instead of silently in the daemon log.
	if _, err := strconv.ParseInt(target, 10, 64); err != nil {
		if _, err := time.Parse(time.RFC3339, target); err != nil {
			fatalf("bad cold-by time %q: want RFC3339 or unix seconds", target)
		}
	}
	publish(ctx, st, interlock.ColdAtCmd, target)
	fmt.Printf("cooldown scheduled request sent (cold by %s)\n", target)
}

// settingKeys maps the CLI's short setting names to their store keys.
var settingKeys = map[string]string{
	"soak-current":    interlock.SoakCurrentKey,
	"soak-time":       interlock.SoakTimeKey,
	"ramp-rate":       interlock.RampRateKey,
	"deramp-rate":     interlock.DerampRateKey,
	"regulating-temp": interlock.RegulationTempKey,
}

func runSet(ctx context.Context, st interlock.Store, name, value string) {
	key, ok := settingKeys[name]
	if !ok {
		fatalf("unknown setting %q", name)
	}
	if err := st.Publish(ctx, interlock.CommandPrefix+key, value); err != nil {
		fatalf("publish setting: %v", err)
	}
	fmt.Printf("%s = %s requested\n", name, value)
}

func publish(ctx context.Context, st interlock.Store, cmd, value string) {
	if err := st.Publish(ctx, interlock.CommandPrefix+cmd, value); err != nil {
		fatalf("publish %s: %v", cmd, err)
	}
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
