package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/peterbourgon/ff/v3"
	"github.com/urfave/cli"

	"github.com/leptonai/go-lepton/client"
	"github.com/leptonai/go-lepton/cmd/lep/starter"
	"github.com/leptonai/go-lepton/common"
	"github.com/leptonai/go-lepton/core"
)

const (
	kvWorkspaceURL = "workspace_url"
	kvAuthToken    = "auth_token"
)

func main() {
	flag.Set("logtostderr", "true")

	app := cli.NewApp()
	app.Name = "lep"
	app.Usage = "build, run and manage photons"
	app.Version = core.LeptonVersion
	app.Commands = []cli.Command{
		photonCommand(),
		deploymentCommand(),
		loginCommand(),
		{
			Name:  "version",
			Usage: "print the lep version",
			Action: func(c *cli.Context) error {
				fmt.Println(core.LeptonVersion)
				return nil
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openDB() (*common.DB, error) {
	dbPath, err := common.DBPath()
	if err != nil {
		return nil, err
	}
	return common.InitDB(dbPath)
}

func photonCommand() cli.Command {
	return cli.Command{
		Name:    "photon",
		Aliases: []string{"ph"},
		Usage:   "manage photons",
		Subcommands: []cli.Command{
			{
				Name:  "create",
				Usage: "create a photon from a model string",
				Flags: []cli.Flag{
					cli.StringFlag{Name: "name, n", Usage: "photon name"},
					cli.StringFlag{Name: "model, m", Usage: "model string (task:model-id)"},
				},
				Action: photonCreate,
			},
			{
				Name:   "list",
				Usage:  "list local photons",
				Action: photonList,
			},
			{
				Name:  "remove",
				Usage: "remove a local photon",
				Flags: []cli.Flag{
					cli.StringFlag{Name: "name, n", Usage: "photon name"},
				},
				Action: photonRemove,
			},
			{
				Name:            "run",
				Usage:           "run a photon locally (-controller, -worker and/or -frontend select the roles)",
				SkipFlagParsing: true,
				Action:          photonRun,
			},
		},
	}
}

func photonCreate(c *cli.Context) error {
	name := c.String("name")
	model := c.String("model")
	if name == "" || model == "" {
		return cli.NewExitError("both -n and -m are required", 1)
	}
	p, err := core.NewPhoton(name, model)
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	db, err := openDB()
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	defer db.Close()
	dbp, err := p.ToDBPhoton()
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	if err := db.InsertPhoton(dbp); err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	fmt.Printf("Photon %q created.\n", name)
	return nil
}

func photonList(c *cli.Context) error {
	db, err := openDB()
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	defer db.Close()
	photons, err := db.SelectPhotons()
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Name", "Model", "Task", "Created"})
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	for _, p := range photons {
		table.Append([]string{p.Name, p.Model, p.Task, humanize.Time(p.CreatedAt)})
	}
	table.Render()
	return nil
}

func photonRemove(c *cli.Context) error {
	name := c.String("name")
	if name == "" {
		return cli.NewExitError("-n is required", 1)
	}
	db, err := openDB()
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	defer db.Close()
	if _, err := db.GetPhoton(name); err != nil {
		return cli.NewExitError(fmt.Sprintf("Photon %q does not exist.", name), 1)
	}
	if err := db.DeletePhoton(name); err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	fmt.Printf("Photon %q removed.\n", name)
	return nil
}

func photonRun(c *cli.Context) error {
	fs := flag.NewFlagSet("lep photon run", flag.ExitOnError)
	cfg := starter.NewLeptonConfig(fs)
	verbosity := fs.String("v", "", "Log verbosity. {4|5|6}")
	_ = fs.String("config", "", "Config file in the format 'key value'")

	if err := ff.Parse(fs, c.Args(),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
		ff.WithEnvVarPrefix("LEPTON"),
	); err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	if *verbosity != "" {
		if vFlag := flag.Lookup("v"); vFlag != nil {
			vFlag.Value.Set(*verbosity)
		}
	}

	// A photon created earlier fills in the model unless one is given
	// explicitly.
	if *cfg.PhotonName != "" && *cfg.Model == "" {
		db, err := openDB()
		if err != nil {
			return cli.NewExitError(err.Error(), 1)
		}
		p, err := db.GetPhoton(*cfg.PhotonName)
		db.Close()
		if err != nil {
			return cli.NewExitError(fmt.Sprintf("Photon %q does not exist.", *cfg.PhotonName), 1)
		}
		*cfg.Model = p.Model
	}

	cfg.PrintConfig(os.Stdout)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	starter.StartLepton(ctx, cfg)
	return nil
}

func deploymentCommand() cli.Command {
	return cli.Command{
		Name:  "deployment",
		Usage: "manage workspace deployments",
		Subcommands: []cli.Command{
			{
				Name:   "list",
				Usage:  "list deployments on the workspace",
				Action: deploymentList,
			},
			{
				Name:  "remove",
				Usage: "remove a deployment from the workspace",
				Flags: []cli.Flag{
					cli.StringFlag{Name: "name, n", Usage: "deployment name"},
				},
				Action: deploymentRemove,
			},
			{
				Name:  "create",
				Usage: "unsupported",
				Action: func(c *cli.Context) error {
					return cli.NewExitError("Please use `lep photon run` instead.", 1)
				},
			},
		},
	}
}

var errNoRemoteURL = errors.New("No remote URL found")

func workspaceClient() (*client.Client, error) {
	db, err := openDB()
	if err != nil {
		return nil, err
	}
	defer db.Close()
	url, err := db.GetKV(kvWorkspaceURL)
	if err != nil || url == "" {
		return nil, errNoRemoteURL
	}
	token, _ := db.GetKV(kvAuthToken)
	return client.New(url, token), nil
}

func deploymentList(c *cli.Context) error {
	wc, err := workspaceClient()
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	deployments, err := wc.ListDeployments(context.Background())
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Name", "Photon", "State", "Replicas", "Created"})
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	for _, d := range deployments {
		table.Append([]string{d.Name, d.PhotonID, d.State, fmt.Sprintf("%d", d.Replicas), humanize.Time(d.CreatedAt)})
	}
	table.Render()
	return nil
}

func deploymentRemove(c *cli.Context) error {
	name := c.String("name")
	if name == "" {
		return cli.NewExitError("-n is required", 1)
	}
	wc, err := workspaceClient()
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	if err := wc.RemoveDeployment(context.Background(), name); err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	fmt.Printf("Deployment %q removed.\n", name)
	return nil
}

func loginCommand() cli.Command {
	return cli.Command{
		Name:  "login",
		Usage: "store workspace credentials",
		Flags: []cli.Flag{
			cli.StringFlag{Name: "workspace, w", Usage: "workspace name or full URL"},
			cli.StringFlag{Name: "token, t", Usage: "workspace auth token"},
		},
		Action: func(c *cli.Context) error {
			workspace := c.String("workspace")
			if workspace == "" {
				return cli.NewExitError("-w is required", 1)
			}
			url := workspace
			if !client.IsValidURL(workspace) {
				url = client.WorkspaceURL(workspace)
			}
			db, err := openDB()
			if err != nil {
				return cli.NewExitError(err.Error(), 1)
			}
			defer db.Close()
			if err := db.SetKV(kvWorkspaceURL, url); err != nil {
				return cli.NewExitError(err.Error(), 1)
			}
			if err := db.SetKV(kvAuthToken, c.String("token")); err != nil {
				return cli.NewExitError(err.Error(), 1)
			}
			fmt.Printf("Logged in to %s.\n", url)
			return nil
		},
	}
}
