package starter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"time"

	docker "github.com/docker/docker/client"
	"github.com/golang/glog"
	"github.com/olekukonko/tablewriter"

	"github.com/leptonai/go-lepton/common"
	"github.com/leptonai/go-lepton/core"
	"github.com/leptonai/go-lepton/discovery"
	lpmon "github.com/leptonai/go-lepton/monitor"
	"github.com/leptonai/go-lepton/runner"
	"github.com/leptonai/go-lepton/server"
)

type LeptonConfig struct {
	Controller            *bool
	Worker                *bool
	Frontend              *bool
	ControllerAddr        *string
	WorkerAddr            *string
	FrontendAddr          *string
	ServiceAddr           *string
	PhotonName            *string
	Model                 *string
	ModelDir              *string
	Nvidia                *string
	Quantized             *bool
	KeepWarm              *bool
	Capacity              *int
	ExternalRunner        *string
	RunnerImageOverrides  *string
	AuthToken             *string
	Monitor               *bool
	KafkaBootstrapServers *string
	KafkaUsername         *string
	KafkaPassword         *string
	KafkaUsageTopic       *string
	Datadir               *string
}

// DefaultLeptonConfig creates LeptonConfig exactly the same as when no flags
// are passed to the lep process.
func DefaultLeptonConfig() LeptonConfig {
	// Roles:
	defaultController := false
	defaultWorker := false
	defaultFrontend := false

	// Network & Addresses:
	defaultControllerAddr := server.DefaultControllerURL
	defaultWorkerAddr := "0.0.0.0:" + server.DefaultWorkerPort
	defaultFrontendAddr := "0.0.0.0:" + server.DefaultFrontendPort
	defaultServiceAddr := ""

	// Photon:
	defaultPhotonName := ""
	defaultModel := ""
	defaultModelDir := ""
	defaultNvidia := ""
	defaultQuantized := false
	defaultKeepWarm := false
	defaultCapacity := 4
	defaultExternalRunner := ""
	defaultRunnerImageOverrides := ""

	// API:
	defaultAuthToken := ""

	// Metrics & logging:
	defaultMonitor := false
	defaultKafkaBootstrapServers := ""
	defaultKafkaUsername := ""
	defaultKafkaPassword := ""
	defaultKafkaUsageTopic := ""

	// Storage:
	defaultDatadir := ""

	return LeptonConfig{
		// Roles:
		Controller: &defaultController,
		Worker:     &defaultWorker,
		Frontend:   &defaultFrontend,

		// Network & Addresses:
		ControllerAddr: &defaultControllerAddr,
		WorkerAddr:     &defaultWorkerAddr,
		FrontendAddr:   &defaultFrontendAddr,
		ServiceAddr:    &defaultServiceAddr,

		// Photon:
		PhotonName:           &defaultPhotonName,
		Model:                &defaultModel,
		ModelDir:             &defaultModelDir,
		Nvidia:               &defaultNvidia,
		Quantized:            &defaultQuantized,
		KeepWarm:             &defaultKeepWarm,
		Capacity:             &defaultCapacity,
		ExternalRunner:       &defaultExternalRunner,
		RunnerImageOverrides: &defaultRunnerImageOverrides,

		// API:
		AuthToken: &defaultAuthToken,

		// Metrics & logging:
		Monitor:               &defaultMonitor,
		KafkaBootstrapServers: &defaultKafkaBootstrapServers,
		KafkaUsername:         &defaultKafkaUsername,
		KafkaPassword:         &defaultKafkaPassword,
		KafkaUsageTopic:       &defaultKafkaUsageTopic,

		// Storage:
		Datadir: &defaultDatadir,
	}
}

func (cfg LeptonConfig) PrintConfig(w io.Writer) {
	// compare current settings with default values, and print the difference
	defCfg := DefaultLeptonConfig()
	vDefCfg := reflect.ValueOf(defCfg)
	vCfg := reflect.ValueOf(cfg)
	cfgType := vCfg.Type()
	paramTable := tablewriter.NewWriter(w)

	sensitiveFields := map[string]bool{
		"AuthToken":     true,
		"KafkaPassword": true,
	}

	for i := 0; i < cfgType.NumField(); i++ {
		if !vDefCfg.Field(i).IsNil() && !vCfg.Field(i).IsNil() && vCfg.Field(i).Elem().Interface() != vDefCfg.Field(i).Elem().Interface() {
			val := fmt.Sprintf("%v", vCfg.Field(i).Elem())
			if _, ok := sensitiveFields[cfgType.Field(i).Name]; ok {
				val = "***"
			}
			paramTable.Append([]string{cfgType.Field(i).Name, val})
		}
	}
	paramTable.SetAlignment(tablewriter.ALIGN_LEFT)
	paramTable.SetCenterSeparator("*")
	paramTable.SetColumnSeparator("|")
	paramTable.Render()
}

func StartLepton(ctx context.Context, cfg LeptonConfig) {
	if !*cfg.Controller && !*cfg.Worker && !*cfg.Frontend {
		glog.Exit("at least one of -controller, -worker or -frontend must be set")
	}
	if *cfg.Capacity <= 0 {
		glog.Exit("-capacity must be greater than zero")
	}

	quantized := *cfg.Quantized
	if os.Getenv("USE_INT") == "1" {
		quantized = true
	}

	datadir := *cfg.Datadir
	if datadir == "" {
		var err error
		datadir, err = common.CacheDir()
		if err != nil {
			glog.Exitf("Error locating data dir: %v", err)
		}
	}

	controllerURL := *cfg.ControllerAddr
	if env := server.ControllerAddrFromEnv(); *cfg.ControllerAddr == server.DefaultControllerURL && env != server.DefaultControllerURL {
		controllerURL = env
	}

	// Identify this instance using the advertised service address.
	creatorID := *cfg.ServiceAddr
	if creatorID == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "lepton"
		}
		creatorID = host
	}

	if *cfg.Worker && *cfg.ExternalRunner == "" {
		// Remove leftover runner containers as soon as possible, before this
		// process allocates any resources of its own.
		removed, err := runner.RemoveExistingContainers(ctx, nil, creatorID)
		if err != nil {
			glog.Errorf("Error removing existing runner containers: %v", err)
		}
		if removed > 0 {
			glog.Infof("Removed %d existing runner containers", removed)
		}
	}

	// The DB only backs the controller role. Workers and frontends carry no
	// local state.
	var db *common.DB
	if *cfg.Controller {
		dbPath := filepath.Join(datadir, "lepton.db")
		var err error
		db, err = common.InitDB(dbPath)
		if err != nil {
			glog.Exitf("Error opening DB at %s: %v", dbPath, err)
		}
		defer db.Close()
	}

	node, err := core.NewLeptonNode(db, datadir)
	if err != nil {
		glog.Exitf("Error creating lepton node: %v", err)
	}

	if *cfg.Monitor {
		nodeType := "dflt"
		switch {
		case *cfg.Controller:
			nodeType = "ctrl"
		case *cfg.Worker:
			nodeType = "wkr"
		case *cfg.Frontend:
			nodeType = "fe"
		}
		lpmon.Enabled = true
		lpmon.InitCensus(nodeType, creatorID, core.LeptonVersion)
	}
	if *cfg.KafkaBootstrapServers != "" && *cfg.KafkaUsageTopic != "" {
		if err := lpmon.InitKafkaProducer(*cfg.KafkaBootstrapServers, *cfg.KafkaUsername, *cfg.KafkaPassword, *cfg.KafkaUsageTopic, creatorID); err != nil {
			glog.Errorf("Error initializing Kafka producer: %v", err)
		}
	}

	errCh := make(chan error, 3)

	if *cfg.Controller {
		node.NodeType = core.ControllerNode
		ctrl := server.NewController(node, *cfg.AuthToken)
		bind := bindAddr(controllerURL, server.DefaultControllerPort)
		glog.Infof("Starting controller on %s", bind)
		go func() {
			errCh <- server.StartControllerServer(ctx, bind, ctrl)
		}()

		if *cfg.PhotonName != "" {
			recordDeployment(db, *cfg.PhotonName)
		}
	}

	if *cfg.Worker {
		if *cfg.PhotonName == "" || *cfg.Model == "" {
			glog.Exit("-worker requires -photonName and -model")
		}
		photon, err := core.NewPhoton(*cfg.PhotonName, *cfg.Model)
		if err != nil {
			glog.Exitf("Error building photon %s: %v", *cfg.PhotonName, err)
		}

		gpus, err := common.ParseAccelDevices(*cfg.Nvidia)
		if err != nil {
			glog.Exitf("Error parsing -nvidia %q: %v", *cfg.Nvidia, err)
		}
		if len(gpus) == 0 {
			glog.Info("No GPUs configured, running emulated")
			gpus = []string{"emulated-0"}
		}

		node.NodeType = core.WorkerNode
		node.Photon = photon

		if *cfg.ExternalRunner != "" {
			runner.ExternalPipelines(runner.RunnerEndpoint{URL: *cfg.ExternalRunner})
			node.Runner = core.NewLoadBalancingRunner(gpus,
				runner.NewPipelineRunnerFactory(photon.Task, photon.ModelID, quantized, *cfg.Capacity))
		} else {
			var overrides runner.ImageOverrides
			if *cfg.RunnerImageOverrides != "" {
				if err := json.Unmarshal([]byte(*cfg.RunnerImageOverrides), &overrides); err != nil {
					glog.Exitf("Error parsing -runnerImageOverrides: %v", err)
				}
			}

			dockerClient, err := docker.NewClientWithOpts(docker.FromEnv, docker.WithAPIVersionNegotiation())
			if err != nil {
				glog.Exitf("Error creating docker client: %v", err)
			}
			manager, err := runner.NewDockerManager(overrides, quantized, gpus, *cfg.ModelDir, dockerClient, creatorID)
			if err != nil {
				glog.Exitf("Error creating docker manager: %v", err)
			}
			if *cfg.KeepWarm {
				if err := manager.Warm(ctx, photon.Task, photon.ModelID); err != nil {
					glog.Exitf("Error warming %s runner: %v", photon.Task, err)
				}
			} else if err := manager.EnsureImageAvailable(ctx, photon.Task, photon.ModelID); err != nil {
				glog.Exitf("Error pulling %s runner image: %v", photon.Task, err)
			}
			node.Runner = core.NewLoadBalancingRunner(gpus, runner.NewLocalRunnerFactory(manager))
		}

		serviceAddr := *cfg.ServiceAddr
		if serviceAddr == "" {
			serviceAddr = "http://127.0.0.1:" + server.DefaultWorkerPort
		}

		w := server.NewWorker(node, controllerURL, serviceAddr, *cfg.Capacity, len(gpus))
		glog.Infof("Starting worker on %s serving %s (%s)", *cfg.WorkerAddr, photon.Name, photon.Model)
		go func() {
			errCh <- server.StartWorkerServer(ctx, *cfg.WorkerAddr, w)
		}()
	}

	if *cfg.Frontend {
		node.NodeType = core.FrontendNode
		uri, err := url.ParseRequestURI(controllerURL)
		if err != nil {
			glog.Exitf("Error parsing controller address %q: %v", controllerURL, err)
		}
		pool := discovery.NewControllerPool([]*url.URL{uri})
		f := server.NewFrontend(controllerURL, pool)
		glog.Infof("Starting frontend on %s", *cfg.FrontendAddr)
		go func() {
			errCh <- server.StartFrontendServer(ctx, *cfg.FrontendAddr, f)
		}()
	}

	select {
	case err := <-errCh:
		if err != nil {
			glog.Errorf("Node terminated: %v", err)
		}
	case <-ctx.Done():
		glog.Info("Shutting down")
		// Give the servers a moment to drain.
		time.Sleep(100 * time.Millisecond)
	}
}

// bindAddr turns a controller URL like http://0.0.0.0:21001 into a listen
// address, falling back to the default port.
func bindAddr(rawURL, defaultPort string) string {
	uri, err := url.ParseRequestURI(rawURL)
	if err != nil || uri.Host == "" {
		return common.DefaultAddr(rawURL, "0.0.0.0", defaultPort)
	}
	return common.DefaultAddr(uri.Host, "0.0.0.0", defaultPort)
}

func recordDeployment(db *common.DB, photonName string) {
	photonID := ""
	if p, err := db.GetPhoton(photonName); err == nil {
		photonID = p.ID
	}
	d := &common.DBDeployment{
		ID:       common.RandName(),
		Name:     photonName,
		PhotonID: photonID,
		State:    common.DeploymentStateRunning,
		Replicas: 1,
	}
	if err := db.InsertDeployment(d); err != nil {
		glog.Errorf("Error recording deployment %s: %v", photonName, err)
	}
}
