package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/hennii/dr-client/pkg/logsvc"
	"github.com/hennii/dr-client/pkg/mapdb"
	"github.com/hennii/dr-client/pkg/server"
	"github.com/hennii/dr-client/pkg/session"
)

// envDefault returns the environment variable value if set, otherwise the fallback.
func envDefault(envVar, fallback string) string {
	if v := os.Getenv(envVar); v != "" {
		return v
	}
	return fallback
}

func main() {
	godotenv.Load()

	confFile := flag.String("conf", envDefault("DR_CONF", ""), "Path to gateway config file (env: DR_CONF)")
	account := flag.String("account", envDefault("DR_USERNAME", ""), "Game account name (env: DR_USERNAME)")
	character := flag.String("character", envDefault("DR_CHARACTER", ""), "Character to play (env: DR_CHARACTER)")
	gameCode := flag.String("game", envDefault("DR_GAME_CODE", ""), "Game instance code (env: DR_GAME_CODE)")
	lichPath := flag.String("lich", envDefault("DR_LICH", ""), "Path to lich.rbw, empty connects directly (env: DR_LICH)")
	mapsDir := flag.String("maps", envDefault("DR_MAPS", ""), "Path to zone map directory (env: DR_MAPS)")
	webPort := flag.Int("port", 0, "Web listen port, overrides config (env: DR_PORT)")
	rawLog := flag.Bool("rawlog", os.Getenv("DR_RAWLOG") == "true", "Log undecoded wire lines (env: DR_RAWLOG)")
	flag.Parse()

	cfg, err := server.LoadConfig(*confFile)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// Flags and environment override the file.
	if *account != "" {
		cfg.Account = *account
	}
	if pw := os.Getenv("DR_PASSWORD"); pw != "" {
		cfg.Password = pw
	}
	if *character != "" {
		cfg.Character = *character
	}
	if *gameCode != "" {
		cfg.GameCode = *gameCode
	}
	if *lichPath != "" {
		cfg.LichPath = *lichPath
	}
	if *mapsDir != "" {
		cfg.MapsDir = *mapsDir
	}
	if *webPort == 0 {
		if envPort := os.Getenv("DR_PORT"); envPort != "" {
			if p, err := strconv.Atoi(envPort); err == nil {
				*webPort = p
			}
		}
	}
	if *webPort != 0 {
		cfg.WebPort = *webPort
	}

	if cfg.Account == "" || cfg.Password == "" || cfg.Character == "" {
		fmt.Fprintln(os.Stderr, "Usage: dr-client [-conf <config>] [-lich <lich.rbw>] [-maps <dir>]")
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "Required environment (or .env / config file):")
		fmt.Fprintln(os.Stderr, "  DR_USERNAME   Game account name")
		fmt.Fprintln(os.Stderr, "  DR_PASSWORD   Game account password")
		fmt.Fprintln(os.Stderr, "  DR_CHARACTER  Character to play")
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "Optional environment:")
		fmt.Fprintln(os.Stderr, "  DR_GAME_CODE  Game instance code (default: DR)")
		fmt.Fprintln(os.Stderr, "  DR_LICH       Path to lich.rbw for the scripting proxy")
		fmt.Fprintln(os.Stderr, "  DR_MAPS       Path to zone map directory")
		fmt.Fprintln(os.Stderr, "  DR_PORT       Web listen port")
		fmt.Fprintln(os.Stderr, "  DR_RAWLOG     Set to 'true' to log undecoded wire lines")
		os.Exit(1)
	}

	matcher, err := mapdb.New(cfg.MapsDir)
	if err != nil {
		log.Fatalf("map load: %v", err)
	}

	metrics := server.NewMetrics(time.Now())
	gateway := server.NewGateway(cfg, matcher, metrics)

	logs, err := logsvc.New(cfg.LogsDir, cfg.Character)
	if err != nil {
		log.Fatalf("log service: %v", err)
	}
	gateway.Broadcaster.Subscribe(logs)
	if *rawLog {
		logs.Enable("raw")
		gateway.OnRawLine = logs.LogRaw
	}

	history, err := server.OpenHistoryStore(cfg.HistoryDB)
	if err != nil {
		log.Fatalf("history store: %v", err)
	}
	gateway.Broadcaster.Subscribe(history)
	history.StartRetentionCleanup(time.Duration(cfg.HistoryRetention) * time.Second)

	settings, err := server.OpenSettingsStore(cfg.SettingsDB)
	if err != nil {
		log.Fatalf("settings store: %v", err)
	}

	auth := server.NewAuthService(cfg.AuthEnabled, cfg.PasswordHash, cfg.JWTSecret, cfg.JWTExpiry)

	// Game session: authenticate, optionally interpose Lich, connect.
	log.Printf("[auth] authenticating %s as %s", cfg.Account, cfg.Character)
	authAddr := fmt.Sprintf("%s:%d", cfg.AuthHost, cfg.AuthPort)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	info, err := session.Authenticate(ctx, authAddr, cfg.Account, cfg.Password, cfg.Character, cfg.GameCode)
	cancel()
	if err != nil {
		log.Fatalf("auth: %v", err)
	}
	log.Printf("[auth] granted session at %s:%d", info.Host, info.Port)

	gameAddr := fmt.Sprintf("%s:%d", info.Host, info.Port)
	if cfg.GameHost != "" {
		port := info.Port
		if cfg.GamePort != 0 {
			port = cfg.GamePort
		}
		gameAddr = fmt.Sprintf("%s:%d", cfg.GameHost, port)
		log.Printf("[game] address overridden to %s", gameAddr)
	}

	var launcher *session.Launcher
	if cfg.LichPath != "" {
		launcher = &session.Launcher{LichPath: cfg.LichPath}
		lichPort, err := launcher.Launch(info, cfg.GameCode)
		if err != nil {
			log.Fatalf("lich: %v", err)
		}
		gameAddr = fmt.Sprintf("127.0.0.1:%d", lichPort)
	}

	conn := &session.Conn{
		OnLine: gateway.FeedLine,
		OnClose: func(err error) {
			if err != nil {
				log.Printf("[game] session lost: %v", err)
			}
		},
	}
	ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
	err = conn.Connect(ctx, gameAddr, info.Key)
	cancel()
	if err != nil {
		if launcher != nil {
			launcher.Shutdown()
		}
		log.Fatalf("game connect: %v", err)
	}

	gateway.SetCommandSink(func(cmd string) {
		logs.LogCommand(cmd)
		conn.Send(cmd)
	})

	if err := gateway.Scripts.Start(); err != nil {
		log.Fatalf("script api: %v", err)
	}

	var web *server.WebServer
	if cfg.WebEnabled {
		web = server.NewWebServer(cfg, gateway, auth, settings, history, metrics)
		go func() {
			if err := web.Start(); err != nil {
				log.Fatalf("web: %v", err)
			}
		}()
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Printf("shutting down")
	if web != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		web.Stop(ctx)
		cancel()
	}
	gateway.Close()
	conn.Close()
	if launcher != nil {
		launcher.Shutdown()
	}
	logs.Close()
	history.Close()
	settings.Close()
}
