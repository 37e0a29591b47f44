// Command banshee-mc drives a Controller over a binary request trace (or a
// synthetic address stream) and reports a run summary, modeled on the
// flag-driven collector wiring in talyz-systemd_exporter/systemd.go.
package main

import (
	"io"
	"math/rand"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	kingpin "gopkg.in/alecthomas/kingpin.v2"

	"github.com/yxymit/banshee/internal/backend"
	"github.com/yxymit/banshee/internal/config"
	"github.com/yxymit/banshee/internal/controller"
	"github.com/yxymit/banshee/internal/metrics"
	"github.com/yxymit/banshee/internal/request"
	"github.com/yxymit/banshee/internal/tracefile"
)

var (
	schemeFlag        = kingpin.Flag("scheme", "Cache scheme: AlloyCache|UnisonCache|HMA|HybridCache|NoCache|CacheOnly|Tagless.").Default("AlloyCache").String()
	cacheSizeMBFlag   = kingpin.Flag("cache-size-mb", "MC-DRAM cache capacity in megabytes.").Default("128").Uint64()
	granularityFlag   = kingpin.Flag("granularity", "Cache line granularity in bytes.").Default("64").Uint64()
	numWaysFlag       = kingpin.Flag("num-ways", "Set associativity.").Default("1").Uint32()
	footprintSizeFlag = kingpin.Flag("footprint-size", "Footprint size in 64B lines (UnisonCache/Tagless).").Default("1").Uint32()
	mcdramPerMCFlag   = kingpin.Flag("mcdram-channels", "Number of near-memory channels per controller.").Default("4").Uint32()
	bwBalanceFlag     = kingpin.Flag("bw-balance", "Enable bandwidth-balancing boundary migration.").Bool()
	sramTagFlag       = kingpin.Flag("sram-tag", "Model tags as resident in SRAM (skips a tag-probe access).").Bool()
	placementFlag     = kingpin.Flag("placement-policy", "Page placement sub-policy: LRU|FBR.").Default("LRU").String()
	sampleRateFlag    = kingpin.Flag("sample-rate", "Replacement sampling rate in [0,1].").Default("1").Float64()
	seedFlag          = kingpin.Flag("seed", "PRNG seed for placement/replacement sampling.").Default("1").Int64()
	traceInFlag       = kingpin.Flag("trace-in", "Binary trace file to replay as the request stream.").String()
	traceOutFlag      = kingpin.Flag("trace-out", "Binary trace file to record this run's requests to.").String()
	numRequestsFlag   = kingpin.Flag("num-requests", "Number of synthetic requests to generate when --trace-in is unset.").Default("100000").Uint64()
	metricsAddrFlag   = kingpin.Flag("web.listen-address", "Metrics listen address; when set, the controller's collector is registered with a Prometheus registry. No HTTP server is started.").Default("").String()
)

func main() {
	kingpin.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	cfg := config.Default()
	cfg.Scheme = schemeFromFlag(*schemeFlag)
	cfg.CacheSizeBytes = *cacheSizeMBFlag * 1024 * 1024
	cfg.Granularity = *granularityFlag
	cfg.NumWays = *numWaysFlag
	cfg.FootprintSize = *footprintSizeFlag
	cfg.MCDRAMPerMC = *mcdramPerMCFlag
	cfg.BWBalance = *bwBalanceFlag
	cfg.SRAMTag = *sramTagFlag
	cfg.PlacementPolicy = *placementFlag
	cfg.SampleRate = *sampleRateFlag
	cfg.SampleSeed = *seedFlag

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	var trace *tracefile.Writer
	if *traceOutFlag != "" {
		w, err := tracefile.Create(*traceOutFlag)
		if err != nil {
			log.Fatal().Err(err).Msg("could not open trace output")
		}
		defer w.Close()
		trace = w
	}

	extDRAM := backend.NewSimpleBackend(cfg.ExtDRAMLatency)
	mcdram := make([]backend.Backend, cfg.MCDRAMPerMC)
	for i := range mcdram {
		mcdram[i] = backend.NewSimpleBackend(cfg.MCDRAMLatency)
	}

	ctrl := controller.New(cfg, extDRAM, mcdram, trace, log)

	if *metricsAddrFlag != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(metrics.NewCollector(ctrl, "mem-0"))
		log.Info().Str("addr", *metricsAddrFlag).Msg("metrics registered (serve reg via promhttp in your process supervisor)")
	}

	var cycle uint64
	if *traceInFlag != "" {
		cycle = runTrace(ctrl, *traceInFlag, log)
	} else {
		cycle = runSynthetic(ctrl, *numRequestsFlag, *seedFlag)
	}

	stats := ctrl.Stats()
	log.Info().
		Uint64("final_cycle", cycle).
		Uint64("load_hit", stats.NumLoadHit).
		Uint64("load_miss", stats.NumLoadMiss).
		Uint64("store_hit", stats.NumStoreHit).
		Uint64("store_miss", stats.NumStoreMiss).
		Uint64("placement", stats.NumPlacement).
		Uint64("dirty_eviction", stats.NumDirtyEviction).
		Uint64("clean_eviction", stats.NumCleanEviction).
		Msg("run complete")
}

func schemeFromFlag(s string) request.Scheme {
	switch s {
	case "AlloyCache":
		return request.AlloyCache
	case "UnisonCache":
		return request.UnisonCache
	case "HMA":
		return request.HMA
	case "HybridCache":
		return request.HybridCache
	case "CacheOnly":
		return request.CacheOnly
	case "Tagless":
		return request.Tagless
	default:
		return request.NoCache
	}
}

func runTrace(ctrl *controller.Controller, path string, log zerolog.Logger) uint64 {
	r, err := tracefile.Open(path)
	if err != nil {
		log.Fatal().Err(err).Msg("could not open trace input")
	}
	defer r.Close()

	var cycle uint64
	for {
		e, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Fatal().Err(err).Msg("trace read failed")
		}
		op := request.GETS
		if e.IsWrite {
			op = request.PUTX
		}
		cycle, _ = ctrl.Access(request.Request{LineAddr: e.Addr, Type: op, Cycle: cycle})
	}
	return cycle
}

func runSynthetic(ctrl *controller.Controller, numRequests uint64, seed int64) uint64 {
	rng := rand.New(rand.NewSource(seed))
	var cycle uint64
	for i := uint64(0); i < numRequests; i++ {
		addr := request.Address(rng.Int63n(1 << 24))
		op := request.GETS
		if rng.Float64() < 0.3 {
			op = request.GETX
		}
		cycle, _ = ctrl.Access(request.Request{LineAddr: addr, Type: op, Cycle: cycle})
	}
	return cycle
}
