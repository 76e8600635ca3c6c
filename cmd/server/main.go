package main

import (
	"fmt"
	"net/http"
	"os"
	"strconv"

	"github.com/akamensky/argparse"
	"github.com/cyclopcam/logs"

	"github.com/Brownie44l1/banknote-api/internal/config"
	"github.com/Brownie44l1/banknote-api/internal/handlers"
	"github.com/Brownie44l1/banknote-api/internal/model"
)

func enableCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

func main() {
	parser := argparse.NewParser("banknote-server", "Serve banknote denomination predictions over HTTP")
	configPath := parser.String("c", "config", &argparse.Options{Help: "Config file", Default: config.DefaultConfigPath})
	modelPath := parser.String("m", "model", &argparse.Options{Help: "Mobile model, overrides artifacts.mobile"})
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
	if *modelPath != "" {
		cfg.Artifacts.Mobile = *modelPath
	}

	logger.Infof("Loading model from: %v", cfg.Artifacts.Mobile)
	runner, err := model.NewRunner(logger, cfg.Artifacts.Mobile, model.Options{
		ImageSize:  cfg.ImageSize,
		NumClasses: len(cfg.Classes),
		Runtime:    cfg.Runtime,
		ORTLibrary: cfg.ONNXRuntime.Library,
	})
	if err != nil {
		logger.Criticalf("Failed to initialize model runner: %v", err)
		os.Exit(1)
	}
	defer runner.Close()

	handler := handlers.NewHandler(logger, runner, cfg.ModelLabels())

	http.HandleFunc("/health", enableCORS(handler.Health))
	http.HandleFunc("/predict", enableCORS(handler.Predict))
	http.HandleFunc("/predict/image", enableCORS(handler.PredictFromImage))

	port := strconv.Itoa(cfg.Server.Port)
	if p := os.Getenv("PORT"); p != "" {
		port = p
	}

	logger.Infof("Server starting on port %v", port)
	logger.Infof("Labels: %v", cfg.ModelLabels())
	logger.Infof("Endpoints:")
	logger.Infof("  GET  /health        - Health check")
	logger.Infof("  POST /predict       - Raw array prediction")
	logger.Infof("  POST /predict/image - Predict from image upload")
	logger.Infof("Upload test: curl -X POST -F \"image=@note.jpg\" http://localhost:%v/predict/image", port)

	if err := http.ListenAndServe(":"+port, nil); err != nil {
		logger.Criticalf("Server failed: %v", err)
		runner.Close()
		os.Exit(1)
	}
}
