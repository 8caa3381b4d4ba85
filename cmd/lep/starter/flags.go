package starter

import (
	"flag"
)

func NewLeptonConfig(fs *flag.FlagSet) LeptonConfig {
	cfg := DefaultLeptonConfig()

	// Roles:
	cfg.Controller = fs.Bool("controller", *cfg.Controller, "Set to true to run the controller role")
	cfg.Worker = fs.Bool("worker", *cfg.Worker, "Set to true to run the worker role")
	cfg.Frontend = fs.Bool("frontend", *cfg.Frontend, "Set to true to run the frontend role")

	// Network & Addresses:
	cfg.ControllerAddr = fs.String("controllerAddr", *cfg.ControllerAddr, "Address the controller binds to, and the controller URL workers and frontends connect to")
	cfg.WorkerAddr = fs.String("workerAddr", *cfg.WorkerAddr, "Address to bind for the worker API")
	cfg.FrontendAddr = fs.String("frontendAddr", *cfg.FrontendAddr, "Address to bind for the frontend API")
	cfg.ServiceAddr = fs.String("serviceAddr", *cfg.ServiceAddr, "Worker only. Overrides the address the worker advertises to the controller; may be an IP or hostname.")

	// Photon:
	fs.StringVar(cfg.PhotonName, "photonName", *cfg.PhotonName, "Name of the photon to serve")
	fs.StringVar(cfg.PhotonName, "n", *cfg.PhotonName, "Name of the photon to serve (shorthand)")
	cfg.Model = fs.String("model", *cfg.Model, "Model string (task:model-id) to serve; overrides the photon store")
	cfg.ModelDir = fs.String("modelDir", *cfg.ModelDir, "Directory where model weights are stored, mounted into runner containers")
	cfg.Nvidia = fs.String("nvidia", *cfg.Nvidia, "Comma-separated list of Nvidia GPU device IDs (or \"all\" for all available devices)")
	cfg.Quantized = fs.Bool("quantized", *cfg.Quantized, "Serve integer-quantized pipelines (same as USE_INT=1)")
	cfg.KeepWarm = fs.Bool("keepWarm", *cfg.KeepWarm, "Start runner containers at startup instead of on first request")
	cfg.Capacity = fs.Int("capacity", *cfg.Capacity, "Maximum number of concurrent requests the worker advertises")
	cfg.ExternalRunner = fs.String("externalRunner", *cfg.ExternalRunner, "URL of an already running photon runner to serve through instead of managed containers")
	cfg.RunnerImageOverrides = fs.String("runnerImageOverrides", *cfg.RunnerImageOverrides, `JSON overrides for runner images. Example: '{"default": "lepton/photon-runner:v1.0", "task": {"text-generation": "lepton/photon-runner:tg-v1.0"}}'`)

	// API:
	cfg.AuthToken = fs.String("authToken", *cfg.AuthToken, "Bearer token required by the controller API; empty disables auth")

	// Metrics & logging:
	cfg.Monitor = fs.Bool("monitor", *cfg.Monitor, "Set to true to send performance metrics")
	cfg.KafkaBootstrapServers = fs.String("kafkaBootstrapServers", *cfg.KafkaBootstrapServers, "URL of Kafka Bootstrap Servers")
	cfg.KafkaUsername = fs.String("kafkaUser", *cfg.KafkaUsername, "Kafka Username")
	cfg.KafkaPassword = fs.String("kafkaPassword", *cfg.KafkaPassword, "Kafka Password")
	cfg.KafkaUsageTopic = fs.String("kafkaUsageTopic", *cfg.KafkaUsageTopic, "Kafka topic used to send usage events")

	// Storage:
	cfg.Datadir = fs.String("dataDir", *cfg.Datadir, "Directory that data is stored in")

	return cfg
}
