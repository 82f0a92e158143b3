package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/axiomesh/treasury/repo"
	"github.com/urfave/cli/v2"
)

var configCMD = &cli.Command{
	Name:  "config",
	Usage: "The config manage commands",
	Subcommands: []*cli.Command{
		{
			Name:   "generate",
			Usage:  "Generate default config",
			Action: generate,
		},
		{
			Name:  "show",
			Usage: "Show the complete config processed by the environment variable",
			Flags: []cli.Flag{
				&cli.BoolFlag{
					Name:  "secrets",
					Usage: "Print keys and secrets instead of masking them",
				},
			},
			Action: show,
		},
		{
			Name:   "check",
			Usage:  "Check if the config file is valid",
			Action: check,
		},
		{
			Name:   "rewrite-with-env",
			Usage:  "Rewrite config with env",
			Action: rewriteWithEnv,
		},
	},
}

func generate(ctx *cli.Context) error {
	p, err := getRootPath(ctx)
	if err != nil {
		return err
	}
	if repo.Exist(filepath.Join(p, "treasury.toml")) {
		fmt.Println("treasury repo already exists")
		return nil
	}

	if err := os.MkdirAll(p, 0755); err != nil {
		return err
	}

	r := &repo.Repo{Config: repo.DefaultConfig(p)}
	if err := r.Flush(); err != nil {
		return err
	}

	fmt.Printf("initializing treasury at %s\n", p)
	return nil
}

func show(ctx *cli.Context) error {
	r, ok, err := loadExisting(ctx)
	if err != nil || !ok {
		return err
	}
	cfg := *r.Config
	if !ctx.Bool("secrets") {
		cfg.Chain.PrivateKey = mask(cfg.Chain.PrivateKey)
		cfg.Reviewer.APIKey = mask(cfg.Reviewer.APIKey)
		cfg.Webhook.Secret = mask(cfg.Webhook.Secret)
		cfg.Database.DSN = mask(cfg.Database.DSN)
	}
	str, err := repo.MarshalConfig(&cfg)
	if err != nil {
		return err
	}
	fmt.Println(str)
	return nil
}

func check(ctx *cli.Context) error {
	p, err := getRootPath(ctx)
	if err != nil {
		return err
	}
	if !repo.Exist(p) {
		fmt.Println("treasury repo not exist")
		return nil
	}

	if _, err := repo.Load(p); err != nil {
		fmt.Println("config file format error, please check:", err)
		os.Exit(1)
	}
	fmt.Println("config is valid")
	return nil
}

func rewriteWithEnv(ctx *cli.Context) error {
	r, ok, err := loadExisting(ctx)
	if err != nil || !ok {
		return err
	}
	return r.Flush()
}

func loadExisting(ctx *cli.Context) (*repo.Repo, bool, error) {
	p, err := getRootPath(ctx)
	if err != nil {
		return nil, false, err
	}
	if !repo.Exist(p) {
		fmt.Println("treasury repo not exist")
		return nil, false, nil
	}
	r, err := repo.Load(p)
	if err != nil {
		return nil, false, err
	}
	return r, true, nil
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "******"
}

func getRootPath(ctx *cli.Context) (string, error) {
	return repo.LoadRepoRootFromEnv(ctx.String("repo"))
}
