package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/CamberLoid/Satori/internal/config"
	"github.com/CamberLoid/Satori/internal/controller"
	"github.com/CamberLoid/Satori/internal/db"
	"github.com/CamberLoid/Satori/internal/he"
	"github.com/CamberLoid/Satori/internal/key"
	"github.com/CamberLoid/Satori/internal/serverlib"
	"github.com/google/uuid"
	"github.com/kr/pretty"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func main() {
	var configPath string
	conf := config.DefaultDomain()

	confFlag := &cli.StringFlag{
		Name:        "conf",
		Aliases:     []string{"c"},
		Value:       "domain.yaml",
		EnvVars:     []string{"SATORI_CONF"},
		Destination: &configPath,
	}

	app := &cli.App{
		Name:     "Satori",
		HelpName: "satori-server",
		Version:  serverlib.Version,
		Usage:    "Computational domain of Project Satori",
		Commands: []*cli.Command{
			{
				Name:    "serve",
				Aliases: []string{"s"},
				Usage:   "Start the computational domain",
				Flags: []cli.Flag{
					confFlag,
					&cli.StringFlag{Name: "listen", Usage: "override listen address"},
					&cli.IntFlag{Name: "port", Aliases: []string{"p"}, Usage: "override listen port"},
					&cli.StringFlag{Name: "provider", Usage: "override SP url"},
				},
				Action: func(c *cli.Context) error {
					if err := loadConfig(c, configPath, &conf); err != nil {
						return err
					}
					return serve(&conf)
				},
			},
			{
				Name:  "keygen",
				Usage: "Generate the domain key archive if it does not exist",
				Flags: []cli.Flag{confFlag},
				Action: func(c *cli.Context) error {
					if err := loadConfig(c, configPath, &conf); err != nil {
						return err
					}
					engine, f, err := engineAndFormat(&conf)
					if err != nil {
						return err
					}
					if _, err = serverlib.LoadOrCreateKeys(engine, conf.KeyArchive, conf.Params, f); err != nil {
						return err
					}
					fmt.Println(conf.KeyArchive)
					return nil
				},
			},
			{
				Name:      "audit",
				Usage:     "Print the audit trail of a session",
				ArgsUsage: "<requestId>",
				Flags:     []cli.Flag{confFlag},
				Action: func(c *cli.Context) error {
					if err := loadConfig(c, configPath, &conf); err != nil {
						return err
					}
					id, err := uuid.Parse(c.Args().First())
					if err != nil {
						return errors.Wrap(err, "parse requestId")
					}
					store, err := db.Open(conf.Database)
					if err != nil {
						return err
					}
					defer store.Close()
					events, err := store.ListAudit(id)
					if err != nil {
						return err
					}
					for _, e := range events {
						fmt.Printf("%# v\n", pretty.Formatter(e))
					}
					return nil
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalln(err)
	}
}

// loadConfig 读取配置文件，再用命令行参数覆盖
func loadConfig(c *cli.Context, path string, conf *config.Domain) error {
	if err := config.Load(path, conf); err != nil {
		return err
	}
	if c.IsSet("listen") {
		conf.ListenAddr = c.String("listen")
	}
	if c.IsSet("port") {
		conf.ListenPort = c.Int("port")
	}
	if c.IsSet("provider") {
		conf.ProviderURL = c.String("provider")
	}
	return conf.Log.Apply()
}

func engineAndFormat(conf *config.Domain) (he.Engine, he.Format, error) {
	f, ok := he.ParseFormat(conf.Format)
	if !ok {
		return nil, f, errors.Errorf("unknown archive format %q", conf.Format)
	}
	engine, err := he.Default()
	return engine, f, err
}

func serve(conf *config.Domain) error {
	if err := conf.Validate(); err != nil {
		return err
	}
	log.Infof("Project Satori computational domain, version %s", serverlib.Version)

	engine, f, err := engineAndFormat(conf)
	if err != nil {
		return err
	}
	keys, err := serverlib.LoadOrCreateKeys(engine, conf.KeyArchive, conf.Params, f)
	if err != nil {
		return err
	}
	providerKey, err := key.LoadPublicKey(conf.ProviderPublicKey)
	if err != nil {
		return errors.Wrap(err, "无法读取 SP 公钥")
	}
	store, err := db.Open(conf.Database)
	if err != nil {
		return err
	}
	defer store.Close()

	counting := he.NewCountingEngine(engine)
	defer func() { log.WithField("calls", counting.Calls()).Infoln("engine calls served") }()

	service, err := serverlib.New(serverlib.Options{
		Engine:      counting,
		Keys:        keys,
		Store:       store,
		Provider:    serverlib.NewProviderClient(conf.ProviderURL, 10*time.Second),
		ProviderKey: providerKey,
		Limits:      conf.Limits,
		Format:      f,
		Epsilon:     conf.Epsilon,

		MaxSessionTTL: conf.SessionTTL,
	})
	if err != nil {
		return err
	}

	router, err := controller.NewRouter(&serverlib.DomainController{GroupName: "/", Service: service})
	if err != nil {
		return err
	}

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go service.RunSweeper(sweepCtx, conf.SweepInterval)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", conf.ListenAddr, conf.ListenPort),
		Handler: router,
	}

	chanError := make(chan error, 1)
	go func() {
		log.Infof("Listening: %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			chanError <- errors.Wrap(err, "无法启动 HTTP 服务器")
		}
	}()

	chanQuit := make(chan os.Signal, 1)
	signal.Notify(chanQuit, os.Interrupt)
	select {
	case err := <-chanError:
		return err
	case <-chanQuit:
		log.Infoln("收到 Ctrl+C 信号，正在退出程序...")
		stopSweep()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		log.Infoln("正在停止 HTTP 服务器...")
		if err := httpServer.Shutdown(ctx); err != nil {
			return errors.Wrap(err, "无法正常停止 HTTP 服务器")
		}
	}
	return nil
}
