package main

import (
	"flag"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"syscall"

	"copilotd/config"
	"copilotd/logger"
)

type ServerMode string

const (
	ModeDaemon ServerMode = "daemon"
	ModeClient ServerMode = "client"
)

// Setup logger to log to a file in the same directory as the executable
// Caller must defer logger.Close()
func setupLogger(cfg config.ServerConfig) *logger.LimitedLogger {
	logPath := runtimePath("copilotd.log")

	f, err := os.OpenFile(logPath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		log.Fatalf("error opening file: %v", err)
	}

	level := logger.ParseLogLevel(cfg.LogLevel)
	limitedLogger := logger.NewLimitedLogger(f, level, cfg.LogMaxLines)
	log.SetOutput(limitedLogger)
	return limitedLogger
}

// runtimePath places runtime files beside the executable
func runtimePath(name string) string {
	execPath, err := os.Executable()
	if err != nil {
		log.Fatalf("error getting executable path: %v", err)
	}
	return filepath.Join(filepath.Dir(execPath), name)
}

func getSocketPath() string {
	return runtimePath("copilotd.sock")
}

func getPidPath() string {
	return runtimePath("copilotd.pid")
}

func isDaemonRunning() (bool, int) {
	pidPath := getPidPath()
	data, err := os.ReadFile(pidPath)
	if err != nil {
		return false, 0
	}

	pid, err := strconv.Atoi(string(data))
	if err != nil {
		return false, 0
	}

	// Check if process is still running
	process, err := os.FindProcess(pid)
	if err != nil {
		return false, 0
	}

	// On Unix, Signal(0) checks if process exists
	err = process.Signal(syscall.Signal(0))
	return err == nil, pid
}

func runDaemon(configPath string) {
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	logger := setupLogger(cfg.Server)
	defer logger.Close()

	log.Printf("config: %+v", redacted(cfg))

	daemon, err := NewDaemon(cfg)
	if err != nil {
		log.Fatalf("error creating daemon: %v", err)
	}

	if err := daemon.Start(); err != nil {
		log.Fatalf("error starting daemon: %v", err)
	}
}

// redacted hides the credential before the config is logged
func redacted(cfg config.Config) config.Config {
	if cfg.Auth.Token != "" {
		cfg.Auth.Token = "***"
	}
	return cfg
}

func runClient(configPath string) {
	client := NewClient(configPath)

	if err := client.EnsureDaemonRunning(); err != nil {
		log.Fatalf("error ensuring daemon is running: %v", err)
	}

	if err := client.Connect(); err != nil {
		log.Fatalf("error connecting to daemon: %v", err)
	}
}

func main() {
	daemonFlag := flag.Bool("daemon", false, "run the completion daemon")
	configPath := flag.String("config", "", "path to config.toml")
	flag.Parse()

	mode := ModeClient
	if *daemonFlag {
		mode = ModeDaemon
	}

	switch mode {
	case ModeDaemon:
		runDaemon(*configPath)
	case ModeClient:
		runClient(*configPath)
	}
}
