package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/Pablu23/Uget/internal/client"
	"github.com/Pablu23/Uget/internal/config"
	"github.com/Pablu23/Uget/internal/server"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage:\n  %[1]s server [-config file]\n  %[1]s get [-config file] [-address host:port] [-loss] <file>\n", os.Args[0])
	os.Exit(2)
}

func loadConfig(path string) *config.Configuration {
	cfg, err := config.Load(path)
	if err != nil {
		log.WithError(err).Fatal("Could not load configuration")
	}

	log.SetFormatter(&log.TextFormatter{
		ForceColors: true,
	})
	log.SetLevel(cfg.Level())
	return cfg
}

func runServer(args []string) {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	configPath := fs.String("config", "", "YAML configuration file")
	_ = fs.Parse(args)

	cfg := loadConfig(*configPath)

	srv, err := server.New(cfg.ServerOptions())
	if err != nil {
		log.WithError(err).Fatal("Could not create server")
	}
	if err := srv.Serve(); err != nil {
		log.WithError(err).Fatal("Server stopped")
	}
}

func runGet(args []string) int {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	configPath := fs.String("config", "", "YAML configuration file")
	address := fs.String("address", "", "server address, overrides the configuration")
	loss := fs.Bool("loss", false, "drop even data packets to exercise retransmission")
	_ = fs.Parse(args)

	if fs.NArg() != 1 {
		usage()
	}

	cfg := loadConfig(*configPath)
	if *address != "" {
		cfg.Client.Address = *address
	}

	c, err := client.New(cfg.Client.Address, cfg.ClientOptions(), func(o *client.Options) {
		o.SimulateLoss = o.SimulateLoss || *loss
	})
	if err != nil {
		log.WithError(err).Fatal("Could not create client")
	}
	defer func(c *client.Client) {
		if err := c.Close(); err != nil {
			log.WithError(err).Error("Could not close UDP connection")
		}
	}(c)

	out, err := c.GetFile(fs.Arg(0))
	var incomplete *client.IncompleteError
	if errors.As(err, &incomplete) && out != "" {
		log.WithField("Missing", incomplete.Missing).Warn("Saved incomplete file")
		return 1
	}
	if err != nil {
		log.WithError(err).Error("Transfer failed")
		return 1
	}
	return 0
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	switch os.Args[1] {
	case "server":
		runServer(os.Args[2:])
	case "get":
		os.Exit(runGet(os.Args[2:]))
	default:
		usage()
	}
}
