package cmd

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sglang-go/scheduler-core/scheduler"
	"github.com/sglang-go/scheduler-core/scheduler/config"
	"github.com/sglang-go/scheduler-core/scheduler/metrics"
	"github.com/sglang-go/scheduler-core/scheduler/policy"
	"github.com/sglang-go/scheduler-core/scheduler/pool"
	"github.com/sglang-go/scheduler-core/scheduler/radix"
)

var (
	demoRequests int
	demoRate     float64
	disableRadix bool
	metricsAddr  string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler loop against a synthetic worker",
	Run: func(cmd *cobra.Command, args []string) {
		log := setupLogging()

		cfg := config.Default()
		if configPath != "" {
			loaded, err := config.Load(configPath)
			if err != nil {
				log.WithError(err).Fatal("failed to load config")
			}
			cfg = loaded
		}
		cfg.Runtime = config.ResolveRuntimeFlagsFromEnv()

		kvPool := pool.NewKVPool(cfg.KVPool.TotalSlots)
		var cache radix.Cache
		if disableRadix {
			cache = radix.NewChunkCache(kvPool)
		} else {
			cache = radix.NewRadixCache(kvPool)
		}

		inbound := make(chan scheduler.InboundMessage, 256)
		outbound := make(chan any, 256)

		sched := scheduler.New(scheduler.Params{
			Config:   cfg,
			Worker:   newSyntheticWorker(32000, 1),
			KVPool:   kvPool,
			Cache:    cache,
			Policy:   policy.New(cfg.Policy.Name),
			Tokenize: demoTokenize,
			Inbound:  inbound,
			Outbound: outbound,
			Log:      log,
		})

		if metricsAddr != "" {
			reg := prometheus.NewRegistry()
			metrics.Register(reg)
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler(reg))
			go func() {
				if err := http.ListenAndServe(metricsAddr, mux); err != nil {
					log.WithError(err).Warn("metrics server exited")
				}
			}()
		}

		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		go feedSyntheticRequests(ctx, inbound, demoRequests, demoRate)
		go drainOutbound(ctx, outbound, log)

		log.WithFields(logrus.Fields{"requests": demoRequests, "rate": demoRate}).Info("starting scheduler loop")
		if err := sched.Run(ctx); err != nil {
			log.WithError(err).Fatal("scheduler loop exited with error")
		}
	},
}

func init() {
	serveCmd.Flags().IntVar(&demoRequests, "demo-requests", 50, "number of synthetic requests to generate")
	serveCmd.Flags().Float64Var(&demoRate, "demo-rate", 20, "synthetic arrival rate (requests/sec)")
	serveCmd.Flags().BoolVar(&disableRadix, "disable-radix-cache", false, "use the chunk cache instead of the radix prefix cache")
	serveCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on (empty disables)")
}

// demoTokenize is the stand-in tokenizer used only to turn jump-forward
// forced strings back into token ids for the synthetic worker's
// vocabulary; a real deployment wires the model's actual tokenizer here.
func demoTokenize(s string) []int32 {
	ids := make([]int32, 0, len(s)/4+1)
	for i := 0; i < len(s); i += 4 {
		ids = append(ids, int32(s[i])%32000)
	}
	return ids
}

func feedSyntheticRequests(ctx context.Context, inbound chan<- scheduler.InboundMessage, n int, rate float64) {
	if rate <= 0 {
		rate = 1
	}
	interval := time.Duration(float64(time.Second) / rate)
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < n; i++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
		inputLen := 16 + rng.Intn(256)
		inputIDs := make([]int32, inputLen)
		for j := range inputIDs {
			inputIDs[j] = int32(rng.Intn(31999))
		}
		inbound <- scheduler.TokenizedGenerateReqInput{
			RID:      uuid.NewString(),
			InputIDs: inputIDs,
			SamplingParams: scheduler.SamplingParams{
				MaxNewTokens: 16 + rng.Intn(64),
			},
			Stream: true,
		}
	}
}

func drainOutbound(ctx context.Context, outbound <-chan any, log *logrus.Entry) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-outbound:
			switch m := msg.(type) {
			case scheduler.BatchTokenIDOut:
				log.WithField("n", len(m.RIDs)).Debug("streamed token batch")
			case scheduler.BatchEmbeddingOut:
				log.WithField("n", len(m.RIDs)).Debug("streamed embedding batch")
			default:
				log.WithField("type", fmt.Sprintf("%T", m)).Debug("outbound message")
			}
		}
	}
}
