package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/akamensky/argparse"
	"github.com/cyclopcam/logs"
	"github.com/pkg/errors"

	"github.com/Brownie44l1/banknote-api/internal/config"
	"github.com/Brownie44l1/banknote-api/internal/dataset"
	"github.com/Brownie44l1/banknote-api/internal/model"
	"github.com/Brownie44l1/banknote-api/internal/nn"
	"github.com/Brownie44l1/banknote-api/internal/onnx"
	"github.com/Brownie44l1/banknote-api/internal/preprocess"
	"github.com/Brownie44l1/banknote-api/internal/train"
)

func main() {
	parser := argparse.NewParser("banknote", "Train and run the banknote denomination classifier")
	configPath := parser.String("c", "config", &argparse.Options{Help: "Config file", Default: config.DefaultConfigPath})

	preprocessCmd := parser.NewCommand("preprocess", "Resize raw photos into the canonical dataset")
	sources := preprocessCmd.StringList("s", "source", &argparse.Options{Help: "label=folder of raw images, repeatable (default: sources from config)"})
	datasetOut := preprocessCmd.String("o", "output", &argparse.Options{Help: "Canonical dataset root (default: datasetpath from config)"})

	trainCmd := parser.NewCommand("train", "Train the classifier on the canonical dataset")
	datasetIn := trainCmd.String("d", "dataset", &argparse.Options{Help: "Canonical dataset root (default: datasetpath from config)"})
	epochs := trainCmd.Int("e", "epochs", &argparse.Options{Help: "Number of epochs (default: epochs from config)", Default: 0})

	predictCmd := parser.NewCommand("predict", "Classify one image with the mobile model")
	imagePath := predictCmd.String("i", "image", &argparse.Options{Help: "Image to classify", Required: true})
	predictModel := predictCmd.String("m", "model", &argparse.Options{Help: "Mobile model (default: artifacts.mobile from config)"})
	labels := predictCmd.String("l", "labels", &argparse.Options{Help: "Comma-separated label names in class order (default: labels from config)"})

	exportCmd := parser.NewCommand("export", "Convert a full model into a mobile model")
	exportIn := exportCmd.String("i", "input", &argparse.Options{Help: "Full model (default: artifacts.full from config)"})
	exportOut := exportCmd.String("o", "output", &argparse.Options{Help: "Mobile model (default: artifacts.mobile from config)"})

	configCmd := parser.NewCommand("config", "Write the effective configuration as YAML")
	configOut := configCmd.String("o", "output", &argparse.Options{Help: "Output file", Default: config.DefaultConfigPath})

	if err := parser.Parse(os.Args); err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, err := logs.NewLog()
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Criticalf("Failed to load config: %v", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	switch {
	case preprocessCmd.Happened():
		if len(*sources) != 0 {
			if cfg.Sources, err = parseSources(*sources); err != nil {
				break
			}
		}
		if *datasetOut != "" {
			cfg.DatasetPath = *datasetOut
		}
		err = runPreprocess(ctx, logger, cfg)
	case trainCmd.Happened():
		if *datasetIn != "" {
			cfg.DatasetPath = *datasetIn
		}
		if *epochs > 0 {
			cfg.Epochs = *epochs
		}
		err = runTrain(ctx, logger, cfg)
	case predictCmd.Happened():
		if *predictModel != "" {
			cfg.Artifacts.Mobile = *predictModel
		}
		names := cfg.ModelLabels()
		if *labels != "" {
			names = splitList(*labels)
		}
		err = runPredict(logger, cfg, *imagePath, names)
	case exportCmd.Happened():
		if *exportIn != "" {
			cfg.Artifacts.Full = *exportIn
		}
		if *exportOut != "" {
			cfg.Artifacts.Mobile = *exportOut
		}
		err = runExport(logger, cfg)
	case configCmd.Happened():
		if err = cfg.Save(*configOut); err == nil {
			logger.Infof("Wrote %v", *configOut)
		}
	}

	if err != nil {
		logger.Errorf("%v", err)
		stop()
		os.Exit(1)
	}
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// parseSources reads label=folder pairs.
func parseSources(pairs []string) (map[string]string, error) {
	sources := map[string]string{}
	for _, p := range pairs {
		label, folder, ok := strings.Cut(p, "=")
		if !ok || label == "" || folder == "" {
			return nil, errors.Errorf("invalid source %q, expected label=folder", p)
		}
		if prev, dup := sources[label]; dup {
			return nil, errors.Errorf("label %q given twice, for %s and %s", label, prev, folder)
		}
		sources[label] = folder
	}
	return sources, nil
}

func runPreprocess(ctx context.Context, log logs.Log, cfg *config.Config) error {
	if len(cfg.Sources) == 0 {
		return errors.New("no sources given, use -s label=folder or the sources config key")
	}
	report, err := preprocess.Preprocess(ctx, preprocess.Options{
		Sources:    cfg.Sources,
		OutputRoot: cfg.DatasetPath,
		ImageSize:  cfg.ImageSize,
	}, log)
	if err != nil {
		return err
	}
	log.Infof("Preprocessing complete: %v images written to %v, %v skipped", report.Processed(), cfg.DatasetPath, report.Skipped())
	return nil
}

func runTrain(ctx context.Context, log logs.Log, cfg *config.Config) error {
	ds, err := dataset.Load(ctx, cfg.DatasetPath, dataset.Options{
		ImageSize:          cfg.ImageSize,
		BatchSize:          cfg.BatchSize,
		ValidationFraction: cfg.ValidationFraction,
		Seed:               cfg.Seed,
		Workers:            cfg.Workers,
	}, log)
	if err != nil {
		return err
	}
	if err := ds.CheckDeclared(cfg.Classes); err != nil {
		return err
	}

	m, err := nn.NewClassifier(cfg.ImageSize, ds.Classes, cfg.Seed)
	if err != nil {
		return err
	}
	m.Labels = cfg.LabelsFor(ds.Classes)

	res, err := train.Train(ctx, log, m, ds.Train(), ds.Validation(), train.Options{
		Epochs:       cfg.Epochs,
		LearningRate: float32(cfg.LearningRate),
		Workers:      cfg.Workers,
		Seed:         cfg.Seed,
		FullPath:     cfg.Artifacts.Full,
		MobilePath:   cfg.Artifacts.Mobile,
	})
	if err != nil {
		return err
	}
	last := res.History[len(res.History)-1]
	log.Infof("Training complete (run %v): val_accuracy %.4f", res.RunID, last.ValAccuracy)
	return nil
}

func runPredict(log logs.Log, cfg *config.Config, imagePath string, labels []string) error {
	p, err := model.Predict(log, cfg.Artifacts.Mobile, imagePath, labels, model.Options{
		ImageSize:  cfg.ImageSize,
		NumClasses: len(cfg.Classes),
		Runtime:    cfg.Runtime,
		ORTLibrary: cfg.ONNXRuntime.Library,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Predicted Currency: %s\n", p.Label)
	fmt.Printf("Confidence: %.2f%%\n", p.Confidence*100)
	return nil
}

func runExport(log logs.Log, cfg *config.Config) error {
	m, err := nn.LoadFile(cfg.Artifacts.Full)
	if err != nil {
		return err
	}
	if err := onnx.ExportFile(m, cfg.Artifacts.Mobile); err != nil {
		return errors.Wrapf(err, "failed to export %s", cfg.Artifacts.Mobile)
	}
	log.Infof("Exported %v (run %v) to %v", cfg.Artifacts.Full, m.RunID, cfg.Artifacts.Mobile)
	return nil
}
