package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/quiver/internal/config"
	"github.com/23skdu/quiver/internal/logger"
	"github.com/23skdu/quiver/internal/lora"
	"github.com/23skdu/quiver/internal/nn"
	"github.com/23skdu/quiver/internal/snapshot"
)

var (
	configPath  = flag.String("config", "", "Path to adapter config file (.yaml/.json/.toml)")
	family      = flag.String("family", "llama", "Base model family identifier")
	adapterName = flag.String("adapter", "", "Adapter name (empty selects the baseline adapter)")
	layers      = flag.Int("layers", 4, "Number of attention blocks in the demo model")
	dim         = flag.Int("dim", 64, "Hidden dimension of the demo model")
	merge       = flag.Bool("merge", false, "Merge adapters into the base weights before exit")
	snapPath    = flag.String("snapshot", "", "Write a base-weight snapshot (Arrow IPC) to this path before merging")
	metricsAddr = flag.String("metrics", "", "Address to serve Prometheus metrics (empty disables)")
	logLevel    = flag.String("log-level", "INFO", "Log level (DEBUG, INFO, WARN, ERROR)")
	logFormat   = flag.String("log-format", "console", "Log format (console or json)")
)

func main() {
	flag.Parse()
	logger.Setup(*logLevel, *logFormat)

	if *configPath == "" {
		fmt.Println("Error: --config flag is required")
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.LoadAdapter(*configPath)
	if err != nil {
		logger.Log.Error("failed to load adapter config", "path", *configPath, "error", err)
		os.Exit(1)
	}

	if *metricsAddr != "" {
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			logger.Log.Info("metrics serving", "addr", *metricsAddr)
			if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
				logger.Log.Error("metrics server error", "error", err)
			}
		}()
	}

	model := demoModel(*family, *layers, *dim)

	engine, err := lora.New(model, *adapterName, cfg)
	if err != nil {
		logger.Log.Error("injection failed", "error", err)
		os.Exit(1)
	}

	trainable, frozen := engine.TrainableParameters()
	total := trainable + frozen
	logger.Log.Info("adapter injected",
		"family", *family,
		"trainable", trainable,
		"frozen", frozen,
		"trainable_pct", fmt.Sprintf("%.4f%%", 100*float64(trainable)/float64(total)))

	if *snapPath != "" {
		f, err := os.Create(*snapPath)
		if err != nil {
			logger.Log.Error("failed to create snapshot file", "path", *snapPath, "error", err)
			os.Exit(1)
		}
		if err := snapshot.Write(f, snapshot.Capture(engine.Model())); err != nil {
			f.Close()
			logger.Log.Error("failed to write snapshot", "path", *snapPath, "error", err)
			os.Exit(1)
		}
		f.Close()
		logger.Log.Info("base-weight snapshot written", "path", *snapPath)
	}

	if *merge {
		if _, err := engine.MergeAndUnload(); err != nil {
			logger.Log.Error("merge-and-unload failed", "error", err)
			os.Exit(1)
		}
		logger.Log.Info("merged and unloaded")
	}
}

// demoModel builds a small attention-block stack with the submodule
// names adapter targets conventionally match.
func demoModel(family string, layers, dim int) *nn.Model {
	model := nn.NewModel(family)
	model.Add("embed_tokens", nn.NewEmbedding(256, dim))

	blocks := nn.NewContainer()
	for i := 0; i < layers; i++ {
		attn := nn.NewContainer()
		attn.Add("q_proj", nn.NewLinear(dim, dim, false))
		attn.Add("k_proj", nn.NewLinear(dim, dim, false))
		attn.Add("v_proj", nn.NewLinear(dim, dim, false))
		attn.Add("o_proj", nn.NewLinear(dim, dim, false))

		block := nn.NewContainer()
		block.Add("self_attn", attn)
		blocks.Add(fmt.Sprintf("%d", i), block)
	}
	model.Add("layers", blocks)
	model.Add("lm_head", nn.NewLinear(dim, 256, false))
	return model
}
