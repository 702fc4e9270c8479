package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/CamberLoid/Satori/internal/config"
	"github.com/CamberLoid/Satori/internal/controller"
	"github.com/CamberLoid/Satori/internal/key"
	"github.com/CamberLoid/Satori/internal/providerlib"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func main() {
	var configPath string
	conf := config.DefaultProvider()

	confFlag := &cli.StringFlag{
		Name:        "conf",
		Aliases:     []string{"c"},
		Value:       "provider.yaml",
		EnvVars:     []string{"SATORI_PROVIDER_CONF"},
		Destination: &configPath,
	}

	app := &cli.App{
		Name:     "Satori",
		HelpName: "satori-provider",
		Version:  providerlib.Version,
		Usage:    "Service provider of Project Satori",
		Commands: []*cli.Command{
			{
				Name:    "serve",
				Aliases: []string{"s"},
				Usage:   "Start the service provider",
				Flags: []cli.Flag{
					confFlag,
					&cli.StringFlag{Name: "listen", Usage: "override listen address"},
					&cli.IntFlag{Name: "port", Aliases: []string{"p"}, Usage: "override listen port"},
					&cli.StringFlag{Name: "domain", Usage: "override computational domain url"},
				},
				Action: func(c *cli.Context) error {
					if err := config.Load(configPath, &conf); err != nil {
						return err
					}
					if c.IsSet("listen") {
						conf.ListenAddr = c.String("listen")
					}
					if c.IsSet("port") {
						conf.ListenPort = c.Int("port")
					}
					if c.IsSet("domain") {
						conf.DomainURL = c.String("domain")
					}
					if err := conf.Log.Apply(); err != nil {
						return err
					}
					if err := conf.Validate(); err != nil {
						return err
					}
					return serve(&conf)
				},
			},
			{
				Name:  "keygen",
				Usage: "Generate the stamp signing key and export its public half",
				Flags: []cli.Flag{
					confFlag,
					&cli.StringFlag{Name: "export", Aliases: []string{"o"}, Value: "provider.pub.json", Usage: "public key output path"},
					&cli.BoolFlag{Name: "force", Usage: "overwrite an existing signing key"},
					&cli.BoolFlag{Name: "pem", Usage: "export the public key as PKIX PEM"},
				},
				Action: func(c *cli.Context) error {
					if err := config.Load(configPath, &conf); err != nil {
						return err
					}
					if _, err := os.Stat(conf.SigningKey); err == nil && !c.Bool("force") {
						return errors.Errorf("%s already exists, use --force to overwrite", conf.SigningKey)
					}
					chain, err := key.GenerateSigningKey()
					if err != nil {
						return err
					}
					if err = os.MkdirAll(filepath.Dir(conf.SigningKey), 0700); err != nil {
						return errors.Wrap(err, "create key directory")
					}
					if err = key.SaveSigningKey(conf.SigningKey, chain); err != nil {
						return err
					}
					save := key.SavePublicKey
					if c.Bool("pem") {
						save = key.SavePublicKeyPEM
					}
					if err = save(c.String("export"), chain.PublicKey); err != nil {
						return err
					}
					fmt.Println(c.String("export"))
					return nil
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalln(err)
	}
}

func serve(conf *config.Provider) error {
	log.Infof("Project Satori service provider, version %s", providerlib.Version)

	signer, err := key.LoadSigningKey(conf.SigningKey)
	if err != nil {
		return errors.Wrap(err, "无法读取签名密钥")
	}
	database, err := providerlib.OpenDatabase(conf.Dialect, conf.DSN)
	if err != nil {
		return err
	}
	provider := providerlib.New(database, signer, providerlib.NewDomainClient(conf.DomainURL, 10*time.Second), conf.SessionTTL)

	router, err := controller.NewRouter(&providerlib.ProviderController{
		GroupName: "/",
		Provider:  provider,
		DomainURL: conf.DomainURL,
	})
	if err != nil {
		return err
	}

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go sweep(sweepCtx, provider, config.DefaultSweepInterval)

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

// sweep 周期性地让过期会话进入 Expired
func sweep(ctx context.Context, p *providerlib.Provider, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := p.Sweep(); err != nil {
				log.WithError(err).Errorln("session sweep failed")
			} else if n > 0 {
				log.WithField("expired", n).Infoln("expired sessions swept")
			}
		}
	}
}
