package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/schollz/progressbar/v3"

	"tubedrop/cmd"
	"tubedrop/config"
	"tubedrop/types"
)

func main() {
	var (
		configPath string
		server     bool
		port       int
		url        string
		formatID   string
	)

	flag.StringVar(&configPath, "config", "tubedrop.toml", "Path to the configuration file")
	flag.BoolVar(&server, "server", false, "Start in web server mode")
	flag.IntVar(&port, "port", 0, "Override the configured server port")
	flag.StringVar(&url, "url", "", "Video URL for a one-shot download")
	flag.StringVar(&formatID, "format", "", "Format id for a one-shot download (default: best quality)")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal("failed to load configuration", "err", err)
	}
	if port != 0 {
		cfg.Server.Port = port
	}

	// Server mode takes precedence
	if server {
		cmd.StartWebServer(cfg)
		return
	}

	if url == "" {
		flag.Usage()
		return
	}

	if err := downloadOnce(cfg, url, formatID); err != nil {
		log.Fatal("download failed", "err", err)
	}
}

// downloadOnce runs a single download to completion on the same engine the
// server uses, rendering progress as a terminal bar
func downloadOnce(cfg *config.Config, url, formatID string) error {
	engine, st, err := cmd.BuildEngine(cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	engine.Start()

	task, err := engine.Submit(url, formatID)
	if err != nil {
		return err
	}

	updates, cancel, err := engine.Subscribe(task.ID)
	if err != nil {
		return err
	}
	defer cancel()

	bar := progressbar.NewOptions(100,
		progressbar.OptionSetDescription("queued"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)

	var final *types.Task
	for snap := range updates {
		final = snap
		bar.Describe(string(snap.Status))
		bar.Set(int(snap.Progress.Percent))
	}
	bar.Finish()

	if final == nil {
		return fmt.Errorf("lost track of task %s", task.ID)
	}
	if final.Status == types.StatusError {
		if final.Error != nil {
			return fmt.Errorf("%s: %s", final.Error.Kind, final.Error.Message)
		}
		return fmt.Errorf("task %s failed", final.ID)
	}

	fmt.Printf("Downloaded %q to %s\n", final.Title, final.OutputPath)
	return nil
}
