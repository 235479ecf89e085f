package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/kunal-geeks/peerchat/internal/kernel"
	"github.com/kunal-geeks/peerchat/internal/logging"
	"github.com/kunal-geeks/peerchat/internal/settings"
)

func main() {
	// CLI flags for configuration. Empty values fall back to the settings file.
	settingsPath := flag.String("settings", settings.DefaultPath, "path to the settings file")
	listenAddr := flag.String("listen", "", "address to listen for peers on (ip:port)")
	consoleNet := flag.String("console-network", "", `console endpoint network, "tcp" or "unix"`)
	consoleAddr := flag.String("console-addr", "", "console endpoint address or socket path")
	bootstrapStr := flag.String("bootstrap", "", "comma-separated list of bootstrap peers (host:port)")
	logLevel := flag.String("log-level", "info", "minimum log level: debug, info, notice, error")
	pingInterval := flag.Duration("ping", kernel.DefaultPingInterval, "keepalive ping interval")
	flag.Parse()

	level, err := logging.ParseLevel(*logLevel)
	if err != nil {
		log.Fatalf("[node] %v", err)
	}

	var bootstrap []string
	for _, addr := range strings.Split(*bootstrapStr, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			bootstrap = append(bootstrap, addr)
		}
	}

	k, err := kernel.New(kernel.Options{
		SettingsPath:   *settingsPath,
		ListenAddr:     *listenAddr,
		ConsoleNetwork: *consoleNet,
		ConsoleAddr:    *consoleAddr,
		Bootstrap:      bootstrap,
		PingInterval:   *pingInterval,
		Logger:         logging.New("node", level),
	})
	if err != nil {
		log.Fatalf("[node] %v", err)
	}
	if err := k.Init(); err != nil {
		log.Fatalf("[node] %v", err)
	}
	log.Printf("[node] peers on %s, console on %s\n", k.ListenAddr(), k.ConsoleAddr())

	// First signal asks the loop to stop, a second one kills the process.
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		<-sigs
		log.Printf("[node] shutting down\n")
		k.SetExit(1)

		select {
		case <-sigs:
			log.Printf("[node] forced exit\n")
			os.Exit(1)
		case <-time.After(10 * time.Second):
			log.Printf("[node] shutdown takes too long\n")
			os.Exit(1)
		}
	}()

	code := k.Loop()
	log.Printf("[node] exit %d\n", code)
	os.Exit(code)
}
