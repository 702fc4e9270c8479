package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/CamberLoid/Satori/internal/clientlib"
	"github.com/CamberLoid/Satori/internal/config"
	"github.com/CamberLoid/Satori/internal/container"
	"github.com/CamberLoid/Satori/internal/he"
	"github.com/CamberLoid/Satori/internal/restfulpayload"
	"github.com/google/uuid"
	"github.com/kr/pretty"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

const Version = "indev"

// CLI
func main() {
	var configPath string
	conf := config.DefaultClient()

	app := &cli.App{
		Name:     "Satori",
		HelpName: "satori-client",
		Version:  Version,
		Usage:    "CLI Interface of Project Satori/Client",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "conf",
				Aliases:     []string{"c"},
				Value:       "client.yaml",
				EnvVars:     []string{"SATORI_CLIENT_CONF"},
				Destination: &configPath,
			},
			&cli.StringFlag{Name: "domain", Usage: "override computational domain url"},
			&cli.StringFlag{Name: "provider", Usage: "override SP url"},
		},
		Before: func(c *cli.Context) error {
			if err := config.Load(configPath, &conf); err != nil {
				return err
			}
			if c.IsSet("domain") {
				conf.DomainURL = c.String("domain")
			}
			if c.IsSet("provider") {
				conf.ProviderURL = c.String("provider")
			}
			return conf.Log.Apply()
		},
		Commands: []*cli.Command{
			{
				Name:  "keygen",
				Usage: "Generate the client key archives",
				Action: func(c *cli.Context) error {
					engine, f, err := engineAndFormat(&conf)
					if err != nil {
						return err
					}
					b, err := clientlib.GenerateKeys(engine, conf.Params)
					if err != nil {
						return err
					}
					keyPath, evalPath, err := clientlib.SaveKeys(engine, b, conf.KeyDir, f)
					if err != nil {
						return err
					}
					fmt.Println(keyPath)
					fmt.Println(evalPath)
					return nil
				},
			},
			{
				Name:  "register",
				Usage: "Encrypt a subject value under the domain key and register it at the SP",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "name", Required: true},
					&cli.StringFlag{Name: "value", Required: true},
					&cli.StringSliceFlag{Name: "question", Aliases: []string{"q"}, Required: true, Usage: "question=answer"},
				},
				Action: func(c *cli.Context) error {
					questions := map[string]string{}
					for _, qa := range c.StringSlice("question") {
						q, a, ok := strings.Cut(qa, "=")
						if !ok || strings.TrimSpace(q) == "" {
							return errors.Errorf("question %q is not in the form question=answer", qa)
						}
						questions[q] = a
					}
					return withClient(&conf, false, func(cl *clientlib.Client) error {
						id, err := cl.Register(c.Context, c.String("name"), c.String("value"), questions)
						if err != nil {
							return err
						}
						fmt.Println(id)
						return nil
					})
				},
			},
			{
				Name:  "update",
				Usage: "Replace the subject value stored at the SP",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "subject", Required: true},
					&cli.StringFlag{Name: "value", Required: true},
				},
				Action: func(c *cli.Context) error {
					subject, err := uuid.Parse(c.String("subject"))
					if err != nil {
						return errors.Wrap(err, "parse subject")
					}
					return withClient(&conf, false, func(cl *clientlib.Client) error {
						return cl.UpdateValue(c.Context, subject, c.String("value"))
					})
				},
			},
			{
				Name:  "verify",
				Usage: "Run a full verification: login, upload and answer the challenge",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "subject", Required: true},
					&cli.StringFlag{Name: "value", Required: true},
					&cli.StringFlag{Name: "answer", Usage: "answer without prompting"},
				},
				Action: func(c *cli.Context) error {
					subject, err := uuid.Parse(c.String("subject"))
					if err != nil {
						return errors.Wrap(err, "parse subject")
					}
					answer := prompt
					if c.IsSet("answer") {
						answer = func(string) (string, error) { return c.String("answer"), nil }
					}
					return withClient(&conf, true, func(cl *clientlib.Client) error {
						ok, err := cl.Verify(c.Context, subject, c.String("value"), answer)
						if err != nil {
							return err
						}
						return printResult(ok)
					})
				},
			},
			{
				Name:  "login",
				Usage: "Start a verification at the SP",
				Flags: []cli.Flag{&cli.StringFlag{Name: "subject", Required: true}},
				Action: func(c *cli.Context) error {
					subject, err := uuid.Parse(c.String("subject"))
					if err != nil {
						return errors.Wrap(err, "parse subject")
					}
					return withClient(&conf, false, func(cl *clientlib.Client) error {
						resp, err := cl.Login(c.Context, subject)
						if err != nil {
							return err
						}
						fmt.Println(resp.RequestID)
						return nil
					})
				},
			},
			{
				Name:  "submit",
				Usage: "Upload the re-encryption key and ciphertext for a request",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "request", Required: true},
					&cli.StringFlag{Name: "value", Required: true},
				},
				Action: func(c *cli.Context) error {
					id, err := uuid.Parse(c.String("request"))
					if err != nil {
						return errors.Wrap(err, "parse request")
					}
					return withClient(&conf, true, func(cl *clientlib.Client) error {
						reveal, err := cl.Submit(c.Context, id, c.String("value"))
						if err != nil {
							return err
						}
						fmt.Printf("question: %s\ncode: %s\n", reveal.Question, reveal.Code)
						return nil
					})
				},
			},
			{
				Name:  "answer",
				Usage: "Answer a revealed challenge",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "request", Required: true},
					&cli.StringFlag{Name: "code", Required: true},
					&cli.StringFlag{Name: "answer"},
					&cli.StringFlag{Name: "subject", Usage: "use the locally stored answer of this subject"},
					&cli.StringFlag{Name: "question", Usage: "question shown by submit, with --subject"},
				},
				Action: func(c *cli.Context) error {
					id, err := uuid.Parse(c.String("request"))
					if err != nil {
						return errors.Wrap(err, "parse request")
					}
					reveal := &restfulpayload.ChallengeReveal{RequestID: id, Code: c.String("code"), Question: c.String("question")}
					return withClient(&conf, false, func(cl *clientlib.Client) error {
						var ok bool
						if c.IsSet("subject") {
							subject, err := uuid.Parse(c.String("subject"))
							if err != nil {
								return errors.Wrap(err, "parse subject")
							}
							ok, err = cl.AnswerStored(c.Context, subject, reveal)
							if err != nil {
								return err
							}
						} else {
							answer := c.String("answer")
							if !c.IsSet("answer") {
								if answer, err = prompt(reveal.Question); err != nil {
									return err
								}
							}
							if ok, err = cl.Answer(c.Context, reveal, answer); err != nil {
								return err
							}
						}
						return printResult(ok)
					})
				},
			},
			{
				Name:      "status",
				Usage:     "Query the state of a request",
				ArgsUsage: "<requestId>",
				Action: func(c *cli.Context) error {
					id, err := uuid.Parse(c.Args().First())
					if err != nil {
						return errors.Wrap(err, "parse request")
					}
					return withClient(&conf, false, func(cl *clientlib.Client) error {
						status, err := cl.Status(c.Context, id)
						if err != nil {
							return err
						}
						fmt.Printf("%# v\n", pretty.Formatter(status))
						return nil
					})
				},
			},
			{
				Name:      "cancel",
				Usage:     "Cancel a request",
				ArgsUsage: "<requestId>",
				Action: func(c *cli.Context) error {
					id, err := uuid.Parse(c.Args().First())
					if err != nil {
						return errors.Wrap(err, "parse request")
					}
					return withClient(&conf, false, func(cl *clientlib.Client) error {
						return cl.Cancel(c.Context, id)
					})
				},
			},
			{
				Name:  "history",
				Usage: "List locally recorded requests",
				Action: func(c *cli.Context) error {
					store, err := clientlib.OpenLocalStore(conf.Database)
					if err != nil {
						return err
					}
					defer store.Close()
					reqs, err := store.ListRequests()
					if err != nil {
						return err
					}
					for _, r := range reqs {
						fmt.Printf("%s  %s  %-22s  %s\n", r.RequestID, r.SubjectID, r.State, r.UpdatedAt.Format("2006-01-02 15:04:05"))
					}
					return nil
				},
			},
			{
				Name:      "inspect",
				Usage:     "Describe a serialized object or key archive",
				ArgsUsage: "<file>",
				Action: func(c *cli.Context) error {
					return inspect(&conf, c.Args().First())
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalln(err)
	}
}

func engineAndFormat(conf *config.Client) (he.Engine, he.Format, error) {
	f, ok := he.ParseFormat(conf.Format)
	if !ok {
		return nil, f, errors.Errorf("unknown archive format %q", conf.Format)
	}
	engine, err := he.Default()
	return engine, f, err
}

// withClient 建立客户端并在结束后关闭本地数据库；needKeys 时读取私钥档案
func withClient(conf *config.Client, needKeys bool, fn func(*clientlib.Client) error) error {
	engine, f, err := engineAndFormat(conf)
	if err != nil {
		return err
	}
	var keys *container.Bundle
	if needKeys {
		if keys, err = clientlib.LoadKeys(engine, filepath.Join(conf.KeyDir, clientlib.KeyArchiveName), f); err != nil {
			return errors.Wrap(err, "load client keys, run keygen first")
		}
	}
	store, err := clientlib.OpenLocalStore(conf.Database)
	if err != nil {
		return err
	}
	defer store.Close()

	cl, err := clientlib.NewClient(engine, *conf, keys, store)
	if err != nil {
		return err
	}
	return fn(cl)
}

func prompt(question string) (string, error) {
	fmt.Printf("%s\n> ", question)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", errors.Wrap(err, "read answer")
	}
	return strings.TrimSpace(line), nil
}

func printResult(ok bool) error {
	if !ok {
		return errors.New("verification failed")
	}
	fmt.Println("verification succeeded")
	return nil
}

type archiveSummary struct {
	File       string
	Format     string
	HasContext bool
	HasPublic  bool
	HasSecret  bool
	Indices    []uint32
}

// inspect 先按单个对象识别，不是对象时按密钥档案打开
func inspect(conf *config.Client, path string) error {
	engine, f, err := engineAndFormat(conf)
	if err != nil {
		return err
	}
	data, err := container.ReadFile(path, 0)
	if err != nil {
		return err
	}
	if kind, err := he.PeekKind(data, f); err == nil {
		fmt.Printf("%s: %s (%d bytes)\n", path, kind, len(data))
		return nil
	}

	b, err := container.OpenArchive(engine, data, f)
	if err != nil {
		return err
	}
	summary := archiveSummary{
		File:       path,
		Format:     f.String(),
		HasContext: b.Context != nil,
		HasPublic:  b.PublicKey != nil,
		HasSecret:  b.SecretKey != nil,
	}
	if b.EvalKeys != nil {
		for idx := range b.EvalKeys.Indexed {
			summary.Indices = append(summary.Indices, idx)
		}
		sort.Slice(summary.Indices, func(i, j int) bool { return summary.Indices[i] < summary.Indices[j] })
	}
	fmt.Printf("%# v\n", pretty.Formatter(summary))
	return nil
}
