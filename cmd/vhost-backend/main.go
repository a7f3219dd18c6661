// Command vhost-backend runs a vhost-user or VDUSE backend control plane
// for a single virtio device (SPEC_FULL §1 "CLI / build glue").
package main

import (
	"context"
	"net"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/vhostbackend/vud/config"
	"github.com/vhostbackend/vud/vduse"
	"github.com/vhostbackend/vud/vhostuser"
)

func main() {
	app := cli.NewApp()
	app.Name = "vhost-backend"
	app.Usage = "vhost-user / VDUSE backend control plane"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "config", Usage: "path to a TOML config file"},
	}
	app.Commands = []cli.Command{
		serveCommand,
		serveVduseCommand,
	}

	if err := app.Run(os.Args); err != nil {
		logrus.WithError(err).Fatal("vhost-backend exited with an error")
	}
}

var serveCommand = cli.Command{
	Name:  "serve",
	Usage: "listen on a vhost-user UNIX socket",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "socket-path", Usage: "UNIX socket to listen on"},
		cli.StringFlag{Name: "name", Usage: "device name"},
		cli.IntFlag{Name: "queues", Usage: "number of virtqueues", Value: 2},
	},
	Action: func(c *cli.Context) error {
		cfg, err := config.Load(c.GlobalString("config"))
		if err != nil {
			return err
		}
		applySocketFlags(cfg, c)

		log := newLogger(cfg)
		listener, err := net.Listen("unix", cfg.Device.SocketPath)
		if err != nil {
			return err
		}
		defer listener.Close()
		log.WithField("socket", cfg.Device.SocketPath).Info("listening for vhost-user connections")

		registry := vhostuser.NewRegistry()
		for {
			conn, err := listener.Accept()
			if err != nil {
				return err
			}
			uc, ok := conn.(*net.UnixConn)
			if !ok {
				conn.Close()
				continue
			}
			dev := vhostuser.NewDevice(uc, cfg.Device.Name, cfg.Device.NumQueues, nil, log)
			dev.SetNotifyOps(vhostuser.LoggingNotifyOps{Logger: log})
			vid, err := registry.NewDevice(dev)
			if err != nil {
				log.WithError(err).Warn("rejecting connection, device registry full")
				uc.Close()
				continue
			}
			go func() {
				if err := dev.Serve(context.Background()); err != nil {
					log.WithError(err).WithField("vid", vid).Warn("device connection ended")
				}
				dev.Close()
				registry.DestroyDevice(vid)
			}()
		}
	},
}

var serveVduseCommand = cli.Command{
	Name:  "serve-vduse",
	Usage: "drive a VDUSE chardev instead of a vhost-user socket",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "name", Usage: "device name, matches /dev/vduse/<name>"},
		cli.IntFlag{Name: "queues", Usage: "number of virtqueues", Value: 2},
	},
	Action: func(c *cli.Context) error {
		cfg, err := config.Load(c.GlobalString("config"))
		if err != nil {
			return err
		}
		if n := c.String("name"); n != "" {
			cfg.Device.Name = n
		}
		if q := c.Int("queues"); q > 0 {
			cfg.Device.NumQueues = q
		}

		log := newLogger(cfg)
		adapter, err := vduse.Open(cfg.Device.Name, cfg.Device.NumQueues, log)
		if err != nil {
			return err
		}
		defer adapter.Close()
		adapter.PollAttempts = cfg.VDUSE.PollAttempts
		adapter.PollInterval = cfg.VDUSE.PollInterval

		dev := vhostuser.NewDevice(nil, cfg.Device.Name, cfg.Device.NumQueues, nil, log)
		dev.SetNotifyOps(vhostuser.LoggingNotifyOps{Logger: log})
		defer dev.Close()
		adapter.AttachDevice(dev)

		log.WithField("device", cfg.Device.Name).Info("driving VDUSE chardev")
		return adapter.Serve()
	},
}

func applySocketFlags(cfg *config.Config, c *cli.Context) {
	if p := c.String("socket-path"); p != "" {
		cfg.Device.SocketPath = p
	}
	if n := c.String("name"); n != "" {
		cfg.Device.Name = n
	}
	if q := c.Int("queues"); q > 0 {
		cfg.Device.NumQueues = q
	}
}

func newLogger(cfg *config.Config) *logrus.Entry {
	logger := logrus.New()
	if lvl, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		logger.SetLevel(lvl)
	}
	if cfg.Logging.JSON {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logrus.NewEntry(logger)
}
