// CamFleet agent: runs on a camera device, keeps the hub connection alive
// and executes camera commands against the local capture helpers.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/camfleet/camfleet/internal/agent"
	"github.com/camfleet/camfleet/internal/config"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	showHelp := flag.Bool("help", false, "show usage")
	runCheck := flag.Bool("check", false, "validate config and test connectivity")

	flag.BoolVar(showVersion, "v", false, "print version and exit")
	flag.BoolVar(showHelp, "h", false, "show usage")

	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Printf("camfleet-agent %s\n", agent.Version)
		os.Exit(0)
	}
	if *showHelp {
		printUsage()
		os.Exit(0)
	}
	if *runCheck {
		os.Exit(runConfigCheck())
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Logger()

	cfg, err := config.LoadAgentConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	switch cfg.LogLevel {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Info().
		Str("version", agent.Version).
		Str("device_id", cfg.DeviceID).
		Str("url", cfg.HubURL).
		Msg("agent starting")

	capture := agent.NewExecCapture(helperCommandsFromEnv())
	a := agent.New(cfg, log, capture)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("received signal")
		a.Shutdown()
	}()

	if err := a.Run(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("agent failed")
	}
}

func helperCommandsFromEnv() agent.HelperCommands {
	return agent.HelperCommands{
		CameraStart:   os.Getenv("CAMFLEET_CAMERA_START_CMD"),
		CameraStop:    os.Getenv("CAMFLEET_CAMERA_STOP_CMD"),
		LiveViewStart: os.Getenv("CAMFLEET_LIVEVIEW_START_CMD"),
		LiveViewStop:  os.Getenv("CAMFLEET_LIVEVIEW_STOP_CMD"),
		MotionStart:   os.Getenv("CAMFLEET_MOTION_START_CMD"),
		MotionStop:    os.Getenv("CAMFLEET_MOTION_STOP_CMD"),
		ModeApply:     os.Getenv("CAMFLEET_MODE_CMD"),
	}
}

func printUsage() {
	fmt.Printf(`Usage: camfleet-agent [options]

CamFleet Agent %s - connects a camera device to the CamFleet hub.

Options:
  -v, --version   Print version and exit
  -h, --help      Print this help and exit
  --check         Validate config and test connectivity

Environment variables:
  CAMFLEET_URL                  Hub WebSocket URL (required)
  CAMFLEET_DEVICE_ID            Device identifier (required)
  CAMFLEET_TOKEN                Agent authentication token (required)
  CAMFLEET_INTERVAL             Heartbeat interval in seconds (default: 30)
  CAMFLEET_HOSTNAME             Override hostname detection
  CAMFLEET_LOG_LEVEL            Log level: debug, info, warn, error
  CAMFLEET_CAMERA_START_CMD     Helper command to start the camera
  CAMFLEET_CAMERA_STOP_CMD      Helper command to stop the camera
  CAMFLEET_LIVEVIEW_START_CMD   Helper command to start live view
  CAMFLEET_LIVEVIEW_STOP_CMD    Helper command to stop live view
  CAMFLEET_MOTION_START_CMD     Helper command to enable motion detection
  CAMFLEET_MOTION_STOP_CMD      Helper command to disable motion detection
  CAMFLEET_MODE_CMD             Helper command to apply a device mode ($1)
`, agent.Version)
}

func runConfigCheck() int {
	fmt.Println("Checking configuration...")
	fmt.Println()

	cfg, err := config.LoadAgentConfig()
	if err != nil {
		fmt.Printf("config error: %v\n", err)
		return 1
	}

	fmt.Println("config OK")
	fmt.Printf("  Device ID:  %s\n", cfg.DeviceID)
	fmt.Printf("  Hub:        %s\n", cfg.HubURL)
	fmt.Printf("  Heartbeat:  %s\n", cfg.HeartbeatInterval)
	fmt.Println()

	fmt.Print("Testing hub connectivity... ")

	httpURL := cfg.HubURL
	httpURL = strings.Replace(httpURL, "wss://", "https://", 1)
	httpURL = strings.Replace(httpURL, "ws://", "http://", 1)
	httpURL = strings.TrimSuffix(httpURL, "/ws")
	httpURL += "/health"

	client := &http.Client{Timeout: 10 * time.Second}
	start := time.Now()
	resp, err := client.Get(httpURL)
	latency := time.Since(start)

	if err != nil {
		fmt.Println("failed")
		fmt.Printf("  error: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		fmt.Printf("failed (HTTP %d)\n", resp.StatusCode)
		return 1
	}

	fmt.Printf("OK (latency: %dms)\n", latency.Milliseconds())
	return 0
}
