// Command profiler drives derivative production under the Go profilers.
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"log"
	"math/rand" //nolint:gosec // intentional use for reproducible benchmarks
	"net/http"
	_ "net/http/pprof" //nolint:gosec // intentional profiling endpoint
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"runtime/trace"
	"strconv"
	"strings"
	"time"

	"github.com/felixge/fgprof"

	"github.com/meigma/srcset"
	"github.com/meigma/srcset/blobid"
	"github.com/meigma/srcset/blobstore/local"
	"github.com/meigma/srcset/content"
)

const (
	modeCold = "cold"
	modeHit  = "hit"
	modePull = "pull"
)

type config struct {
	mode            string
	images          int
	imageSize       int
	sizes           []int
	format          string
	concurrency     int
	dataHTTPLatency time.Duration
	dataHTTPBPS     int64
	zstd            bool
	fgProfile       string
	duration        time.Duration
	iterations      int
	pprofAddr       string
	cpuProfile      string
	memProfile      string
	traceFile       string
	tempDir         string
	keepTemp        bool
	randomSeed      int64
}

//nolint:gocognit,gocyclo // main function complexity is acceptable for CLI tool
func main() {
	cfg := parseFlags()

	if cfg.pprofAddr != "" {
		go func() {
			log.Printf("pprof listening on %s", cfg.pprofAddr)
			//nolint:gosec // intentional pprof server without timeouts for profiling
			if err := http.ListenAndServe(cfg.pprofAddr, nil); err != nil {
				log.Printf("pprof server error: %v", err)
			}
		}()
	}

	dir, cleanup, err := setupTempDir(cfg)
	if err != nil {
		log.Fatal(err)
	}
	if cleanup != nil {
		defer cleanup() //nolint:errcheck // cleanup errors are non-fatal in profiler
	}

	source, err := local.New(filepath.Join(dir, "source"))
	if err != nil {
		log.Fatal(err) //nolint:gocritic // exitAfterDefer is intentional - cleanup is best-effort
	}
	defer source.Close()

	ids, err := makeImages(source, cfg.images, cfg.imageSize, cfg.randomSeed)
	if err != nil {
		log.Fatal(err)
	}

	var stopFG func() error
	if cfg.fgProfile != "" {
		fgFile, fgErr := os.Create(cfg.fgProfile)
		if fgErr != nil {
			log.Fatal(fgErr)
		}
		stopFG = fgprof.Start(fgFile, fgprof.FormatPprof)
		defer func() {
			if err := stopFG(); err != nil {
				log.Printf("fgprof stop error: %v", err)
			}
			_ = fgFile.Close()
		}()
	}

	if cfg.cpuProfile != "" {
		cpuFile, cpuErr := os.Create(cfg.cpuProfile)
		if cpuErr != nil {
			log.Fatal(cpuErr)
		}
		if cpuErr = pprof.StartCPUProfile(cpuFile); cpuErr != nil {
			log.Fatal(cpuErr)
		}
		defer func() {
			pprof.StopCPUProfile()
			_ = cpuFile.Close()
		}()
	}

	if cfg.traceFile != "" {
		traceFile, traceErr := os.Create(cfg.traceFile)
		if traceErr != nil {
			log.Fatal(traceErr)
		}
		if traceErr = trace.Start(traceFile); traceErr != nil {
			log.Fatal(traceErr)
		}
		defer func() {
			trace.Stop()
			_ = traceFile.Close()
		}()
	}

	stats, err := runProfile(cfg, source, ids, dir)
	if err != nil {
		log.Fatal(err)
	}

	if cfg.memProfile != "" {
		runtime.GC()
		f, err := os.Create(cfg.memProfile)
		if err != nil {
			log.Fatal(err)
		}
		if err := pprof.WriteHeapProfile(f); err != nil {
			log.Fatal(err)
		}
		_ = f.Close()
	}

	fmt.Printf("mode=%s ops=%d bytes=%d elapsed=%s throughput=%.2f MB/s\n",
		cfg.mode,
		stats.ops,
		stats.bytes,
		stats.elapsed,
		float64(stats.bytes)/(1024*1024)/stats.elapsed.Seconds(),
	)
}

type profileStats struct {
	ops     int
	bytes   int64
	elapsed time.Duration
}

// runProfile repeats the selected mode until the duration or iteration
// budget is spent. One op is one blob carried through the mode.
//
//nolint:gocritic // hugeParam acceptable for profiler config
func runProfile(cfg config, source *local.Store, ids []blobid.ID, rootDir string) (profileStats, error) {
	ctx := context.Background()
	sizes := blobSizes(source, ids)

	start := time.Now()
	ops := 0
	var byteCount int64
	shouldContinue := func() bool {
		if cfg.iterations > 0 {
			return ops < cfg.iterations
		}
		return time.Since(start) < cfg.duration
	}

	rng := rand.New(rand.NewSource(cfg.randomSeed)) //nolint:gosec // intentional for reproducible benchmarks
	pick := func() blobid.ID { return ids[rng.Intn(len(ids))] }

	switch cfg.mode {
	case modeCold:
		round := 0
		for shouldContinue() {
			svc, closeSvc, err := newService(cfg, source, filepath.Join(rootDir, "cold", strconv.Itoa(round)))
			if err != nil {
				return profileStats{}, err
			}
			for _, id := range ids {
				if !shouldContinue() {
					break
				}
				if err := produce(ctx, svc, id, cfg); err != nil {
					_ = closeSvc()
					return profileStats{}, err
				}
				byteCount += sizes[id]
				ops++
			}
			if err := closeSvc(); err != nil {
				return profileStats{}, err
			}
			round++
		}

	case modeHit:
		svc, closeSvc, err := newService(cfg, source, filepath.Join(rootDir, "hit"))
		if err != nil {
			return profileStats{}, err
		}
		defer closeSvc() //nolint:errcheck // cleanup errors are non-fatal in profiler
		for _, id := range ids {
			if err := produce(ctx, svc, id, cfg); err != nil {
				return profileStats{}, err
			}
		}

		start = time.Now()
		for shouldContinue() {
			id := pick()
			if err := produce(ctx, svc, id, cfg); err != nil {
				return profileStats{}, err
			}
			byteCount += sizes[id]
			ops++
		}

	case modePull:
		peerURL, stopPeer, err := newPeerServer(cfg, source, filepath.Join(rootDir, "peer"))
		if err != nil {
			return profileStats{}, err
		}
		defer stopPeer()

		round := 0
		for shouldContinue() {
			target, err := newPullTarget(cfg, peerURL, filepath.Join(rootDir, "pull", strconv.Itoa(round)))
			if err != nil {
				return profileStats{}, err
			}
			for _, id := range ids {
				target.Want(id)
			}
			if err := waitForBlobs(ctx, target, ids, time.Minute); err != nil {
				_ = target.Close()
				return profileStats{}, err
			}
			if err := target.Close(); err != nil {
				return profileStats{}, err
			}
			for _, id := range ids {
				byteCount += sizes[id]
			}
			ops += len(ids)
			round++
		}

	default:
		return profileStats{}, fmt.Errorf("unknown mode: %s", cfg.mode)
	}

	return profileStats{
		ops:     ops,
		bytes:   byteCount,
		elapsed: time.Since(start),
	}, nil
}

//nolint:gocritic // hugeParam acceptable for profiler config
func newService(cfg config, source *local.Store, dir string) (*srcset.Service, func() error, error) {
	cd, err := content.New(dir, content.WithoutSync())
	if err != nil {
		return nil, nil, err
	}
	format, err := srcset.ParseFormat(cfg.format)
	if err != nil {
		return nil, nil, err
	}
	svc, err := srcset.New(source, cd,
		srcset.WithFormat(format),
		srcset.WithSizes(cfg.sizes...),
		srcset.WithConcurrency(cfg.concurrency),
	)
	if err != nil {
		return nil, nil, err
	}
	return svc, svc.Close, nil
}

//nolint:gocritic // hugeParam acceptable for profiler config
func produce(ctx context.Context, svc *srcset.Service, id blobid.ID, cfg config) error {
	for r := range svc.MakeSrcSet(ctx, id.String(), cfg.sizes, svc.Format()) {
		if r.Err != nil {
			return r.Err
		}
	}
	return nil
}

func waitForBlobs(ctx context.Context, s *local.Store, ids []blobid.ID, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for _, id := range ids {
		for {
			ok, err := s.Has(ctx, id)
			if err != nil {
				return err
			}
			if ok {
				break
			}
			if time.Now().After(deadline) {
				return errors.New("timed out waiting for pulls")
			}
			time.Sleep(time.Millisecond)
		}
	}
	return nil
}

func blobSizes(s *local.Store, ids []blobid.ID) map[blobid.ID]int64 {
	sizes := make(map[blobid.ID]int64, len(ids))
	for _, id := range ids {
		if info, err := os.Stat(s.Path(id)); err == nil {
			sizes[id] = info.Size()
		}
	}
	return sizes
}

func parseFlags() config {
	var cfg config
	var dataHTTPBPS, sizes string
	flag.StringVar(&cfg.mode, "mode", modeCold, "mode: cold, hit, pull")
	flag.IntVar(&cfg.images, "images", 16, "number of source images")
	flag.IntVar(&cfg.imageSize, "image-size", 1024, "source image width and height in pixels")
	flag.StringVar(&sizes, "sizes", "160,320,640", "comma separated target sizes")
	flag.StringVar(&cfg.format, "format", "webp", "derivative format: webp, png, avif")
	flag.IntVar(&cfg.concurrency, "concurrency", srcset.DefaultConcurrency, "sizes produced at once per image")
	flag.DurationVar(&cfg.dataHTTPLatency, "data-http-latency", 0, "per-request latency for peer pulls")
	flag.StringVar(&dataHTTPBPS, "data-http-bps", "", "bytes/sec throttle for peer pulls (e.g. 10MBps)")
	flag.BoolVar(&cfg.zstd, "zstd", true, "request zstd transfer encoding for peer pulls")
	flag.StringVar(&cfg.fgProfile, "fgprofile", "", "write fgprof (wall clock) profile to file")
	flag.DurationVar(&cfg.duration, "duration", 10*time.Second, "duration to run (ignored if iterations > 0)")
	flag.IntVar(&cfg.iterations, "iterations", 0, "number of blobs to process")
	flag.StringVar(&cfg.pprofAddr, "pprof-addr", "", "pprof listen address (e.g. :6060)")
	flag.StringVar(&cfg.cpuProfile, "cpuprofile", "", "write CPU profile to file")
	flag.StringVar(&cfg.memProfile, "memprofile", "", "write heap profile to file")
	flag.StringVar(&cfg.traceFile, "trace", "", "write trace to file")
	flag.StringVar(&cfg.tempDir, "temp-dir", "", "directory to use for dataset")
	flag.BoolVar(&cfg.keepTemp, "keep-temp", false, "keep temp dir after run")
	flag.Int64Var(&cfg.randomSeed, "seed", 1, "random seed")
	flag.Parse()
	if dataHTTPBPS != "" {
		bps, err := parseBytesPerSecond(dataHTTPBPS)
		if err != nil {
			log.Fatalf("data-http-bps: %v", err)
		}
		cfg.dataHTTPBPS = bps
	}
	parsed, err := parseSizes(sizes)
	if err != nil {
		log.Fatalf("sizes: %v", err)
	}
	cfg.sizes = parsed
	if cfg.images <= 0 {
		log.Fatal("images must be positive")
	}
	return cfg
}

func parseSizes(value string) ([]int, error) {
	var out []int
	for _, part := range strings.Split(value, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid size %q", part)
		}
		out = append(out, n)
	}
	return out, nil
}

//nolint:gocritic // hugeParam acceptable for config struct in CLI tool
func setupTempDir(cfg config) (string, func() error, error) {
	if cfg.tempDir != "" {
		return cfg.tempDir, nil, os.MkdirAll(cfg.tempDir, 0o755) //nolint:gosec // 0o755 is intentional for profiler temp dirs
	}
	dir, err := os.MkdirTemp("", "srcset-profiler-*")
	if err != nil {
		return "", nil, err
	}
	cleanup := func() error {
		if cfg.keepTemp {
			return nil
		}
		return os.RemoveAll(dir)
	}
	return dir, cleanup, nil
}

// makeImages stores count noisy PNGs of size×size pixels. Noise keeps the
// encoders from taking shortcuts on flat regions.
func makeImages(s *local.Store, count, size int, seed int64) ([]blobid.ID, error) {
	rng := rand.New(rand.NewSource(seed)) //nolint:gosec // intentional use for reproducible benchmarks
	ids := make([]blobid.ID, 0, count)
	for range count {
		img := image.NewNRGBA(image.Rect(0, 0, size, size))
		for y := range size {
			for x := range size {
				img.Set(x, y, color.NRGBA{
					R: uint8(rng.Intn(256)),
					G: uint8(x * 255 / max(1, size-1)),
					B: uint8(y * 255 / max(1, size-1)),
					A: 255,
				})
			}
		}
		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			return nil, err
		}
		id, err := s.Put(context.Background(), &buf)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
