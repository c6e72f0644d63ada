package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/MrEthical07/authgate"
	"github.com/MrEthical07/authgate/internal/fallback/fallbacktest"
	"github.com/MrEthical07/authgate/metrics/export/internaldefs"
	"github.com/MrEthical07/authgate/provider/providerfake"
)

const loadPassword = "load-test-password"

func main() {
	var (
		users       = flag.Int("users", 1000, "number of accounts to seed")
		concurrency = flag.Int("concurrency", 64, "number of concurrent workers")
		ops         = flag.Int("ops", 20000, "operations per phase (login, refresh, profile)")
		failureRate = flag.Float64("failure-rate", 0.05, "fraction of primary calls failing with a connectivity error")
		latency     = flag.Duration("latency", 0, "simulated primary provider latency")
		redisAddr   = flag.String("redis-addr", "", "redis address; if empty, REDIS_ADDR env or miniredis is used")
		verbose     = flag.Bool("v", false, "log engine warnings to stderr")
	)
	flag.Parse()

	if *users <= 0 || *concurrency <= 0 || *ops <= 0 {
		fmt.Fprintln(os.Stderr, "users, concurrency, and ops must be > 0")
		os.Exit(2)
	}
	if *failureRate < 0 || *failureRate > 1 {
		fmt.Fprintln(os.Stderr, "failure-rate must be within [0, 1]")
		os.Exit(2)
	}

	ctx := context.Background()

	addr := *redisAddr
	if addr == "" {
		addr = os.Getenv("REDIS_ADDR")
	}

	var (
		cleanup func()
		client  redis.UniversalClient
	)
	if addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start miniredis: %v\n", err)
			os.Exit(1)
		}
		addr = mr.Addr()
		client = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs: []string{addr},
		})
		cleanup = func() {
			_ = client.Close()
			mr.Close()
		}
		fmt.Printf("using miniredis at %s\n", addr)
	} else {
		client = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs: []string{addr},
		})
		cleanup = func() { _ = client.Close() }
		fmt.Printf("using redis at %s\n", addr)
	}
	defer cleanup()

	fb := fallbacktest.New()
	defer fb.Close()

	fakeOpts := []providerfake.Option{}
	if *latency > 0 {
		fakeOpts = append(fakeOpts, providerfake.WithLatency(*latency))
	}
	fake := providerfake.New(fakeOpts...)
	rate := *failureRate
	fake.SetHook(func(context.Context, providerfake.Op) error {
		if rate > 0 && rand.Float64() < rate {
			return providerfake.ErrUnreachable
		}
		return nil
	})

	emails := make([]string, *users)
	fmt.Printf("seeding %d accounts...\n", *users)
	startSeed := time.Now()
	for i := range emails {
		emails[i] = fmt.Sprintf("load-%d@example.com", i)
		name := fmt.Sprintf("Load User %d", i)
		fake.AddUser(emails[i], loadPassword, name)
		fb.AddUser(emails[i], loadPassword, name)
	}
	fmt.Printf("seeded in %s\n", time.Since(startSeed).Round(time.Millisecond))

	log := zerolog.Nop()
	if *verbose {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.WarnLevel).With().Timestamp().Logger()
	}

	cfg := authgate.DefaultConfig()
	cfg.Fallback.BaseURL = fb.URL()
	cfg.Throttle.Enabled = false

	engine, err := authgate.New().
		WithConfig(cfg).
		WithProvider(fake).
		WithRedis(client).
		WithLogger(log).
		WithMetricsEnabled(true).
		WithLatencyHistograms(true).
		Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "build engine: %v\n", err)
		os.Exit(1)
	}
	defer engine.Cleanup()

	loginStats := runPhase(*ops, *concurrency, 7919, func(r *rand.Rand) error {
		_, err := engine.Login(ctx, emails[r.Intn(len(emails))], loadPassword)
		return err
	})
	refreshStats := runPhase(*ops, *concurrency, 6151, func(*rand.Rand) error {
		if !engine.ForceTokenRefresh(ctx) {
			// A failed refresh clears the session; sign back in so the
			// phase keeps exercising refreshes.
			_, _ = engine.Login(ctx, emails[0], loadPassword)
			return fmt.Errorf("refresh failed")
		}
		return nil
	})
	profileStats := runPhase(*ops, *concurrency, 4099, func(*rand.Rand) error {
		_, err := engine.GetProfile(ctx)
		return err
	})

	fmt.Println("---- results ----")
	printStats("login", loginStats)
	printStats("refresh", refreshStats)
	printStats("profile", profileStats)

	st := engine.CircuitBreakerStats()
	fmt.Printf("breaker: state=%s failures=%d trips=%d short_circuits=%d\n",
		st.State, st.FailureCount, st.Trips, st.ShortCircuits)

	snap := engine.MetricsSnapshot()
	for _, def := range internaldefs.CounterDefs {
		if v := snap.Counters[def.ID]; v > 0 {
			fmt.Printf("%s %d\n", def.Name, v)
		}
	}
}

func runPhase(ops, concurrency int, seed int64, op func(r *rand.Rand) error) phaseStats {
	var (
		wg        sync.WaitGroup
		cursor    int64
		failures  int64
		latencies = make([]time.Duration, 0, ops)
		mu        sync.Mutex
	)

	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(worker)*seed))
			for {
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= ops {
					return
				}
				t0 := time.Now()
				err := op(r)
				d := time.Since(t0)
				if err != nil {
					atomic.AddInt64(&failures, 1)
				}
				mu.Lock()
				latencies = append(latencies, d)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	total := time.Since(start)
	return computeStats(total, latencies, failures)
}

type phaseStats struct {
	total    time.Duration
	ops      int
	failures int64
	p50      time.Duration
	p95      time.Duration
	p99      time.Duration
	opsPerS  float64
}

func computeStats(total time.Duration, samples []time.Duration, failures int64) phaseStats {
	if len(samples) == 0 {
		return phaseStats{total: total}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return phaseStats{
		total:    total,
		ops:      len(samples),
		failures: failures,
		p50:      percentile(samples, 50),
		p95:      percentile(samples, 95),
		p99:      percentile(samples, 99),
		opsPerS:  float64(len(samples)) / total.Seconds(),
	}
}

func percentile(samples []time.Duration, p int) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	if p <= 0 {
		return samples[0]
	}
	if p >= 100 {
		return samples[len(samples)-1]
	}
	idx := (len(samples) - 1) * p / 100
	return samples[idx]
}

func printStats(name string, s phaseStats) {
	fmt.Printf("%s: ops=%d failures=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		name,
		s.ops,
		s.failures,
		s.total.Round(time.Millisecond),
		s.opsPerS,
		s.p50.Round(time.Microsecond),
		s.p95.Round(time.Microsecond),
		s.p99.Round(time.Microsecond),
	)
}
