// goreid trains and evaluates person re-identification models.
//
// The run is described by a YAML configuration file plus trailing key=value
// overrides:
//
//	goreid -config_file=configs/triplet.yaml train.max_epoch=120 loss.triplet.margin=0.3
//
// Without -config_file it runs the synthetic demo dataset, which is enough to
// exercise every loss strategy end to end on the CPU backend.
package main

import (
	"flag"
	"fmt"
	"os"

	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/go-reid/reid/checkpoints"
	"github.com/go-reid/reid/config"
	"github.com/go-reid/reid/data"
	"github.com/go-reid/reid/engine"
	"github.com/go-reid/reid/model"
)

var (
	flagConfigFile = flag.String("config_file", "", "Path of the YAML configuration file. Empty runs the synthetic demo configuration.")
	flagSaveDir    = flag.String("save_dir", "", "Checkpoint and log directory. Overrides test.save_dir from the configuration.")
	flagTestOnly   = flag.Bool("test_only", false, "Skip training and run one evaluation pass. Overrides test.evaluate.")
	flagProgress   = flag.Bool("progress", true, "Show a progress bar during training epochs.")

	// Synthetic demo dataset knobs, used when no real data source is wired in.
	flagDemoIdentities = flag.Int("demo_identities", 32, "Synthetic demo: number of training identities.")
	flagDemoCameras    = flag.Int("demo_cameras", 2, "Synthetic demo: number of cameras.")
	flagDemoImages     = flag.Int("demo_images", 8, "Synthetic demo: images per identity in the training split.")
)

func main() {
	klog.InitFlags(nil)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(),
			"Usage: %s [flags] [section.key=value ...]\n\nFlags:\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg := config.Default()
	if *flagConfigFile != "" {
		cfg = must.M1(config.FromFile(*flagConfigFile))
	}
	must.M(cfg.ApplyOverrides(flag.Args()))
	if *flagSaveDir != "" {
		cfg.Test.SaveDir = *flagSaveDir
	}
	if *flagTestOnly {
		cfg.Test.Evaluate = true
	}
	must.M(cfg.Validate())

	backend := engine.NewBackend()
	defer backend.Finalize()
	klog.Infof("backend: %s (%s)", backend.Name(), backend.Description())

	manager := buildManager(cfg)
	numClasses := manager.NumTrainIdentities()
	builder := model.Plain(numClasses, cfg.Model.EmbeddingDim)
	klog.Infof("training on %d identities, loss strategy %q", numClasses, cfg.Loss.Name)

	seed := int64(cfg.Train.Seed)
	var options []engine.Option
	options = append(options, engine.WithProgressBar(*flagProgress))

	eng := must.M1(engine.New(backend, manager, builder, cfg, seed, options...))
	ckpt := must.M1(checkpoints.NewManager(eng.Context(), cfg.Test.SaveDir))
	eng.AttachCheckpoints(ckpt)

	rc := engine.RunConfigFromConfig(cfg)
	switch {
	case cfg.Model.Resume != "":
		epoch, best, err := ckpt.Restore(cfg.Model.Resume)
		must.M(err)
		rc.StartEpoch = epoch
		eng.SetBestMetric(best)
		klog.Infof("resuming from checkpoint %q at epoch %d (best metric %.4f)", cfg.Model.Resume, epoch, best)
	case cfg.Model.LoadWeights != "":
		must.M(ckpt.RestoreWeights(cfg.Model.LoadWeights))
	}

	must.M(eng.Run(rc))
}

// buildManager returns the training data provider. Real dataset loaders are
// external; without one configured the synthetic demo dataset is used, sized
// by the -demo_* flags.
func buildManager(cfg *config.Config) data.Manager {
	if len(cfg.Data.Sources) > 0 {
		klog.Exitf("no loader available for data sources %v: this binary only ships the synthetic demo dataset", cfg.Data.Sources)
	}
	return data.Synthetic(
		*flagDemoIdentities, *flagDemoCameras, *flagDemoImages,
		cfg.Data.Height, cfg.Data.Width,
		cfg.Data.NumIdentities, cfg.Data.NumInstances,
		int64(cfg.Train.Seed))
}
