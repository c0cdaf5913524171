package flags

import (
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/supersign/adiserver"
	"github.com/ruteri/supersign/common"
	"github.com/urfave/cli/v2"
)

// SetupLogger builds the logger from the log flags. Logs go to stderr so command
// output on stdout stays clean.
func SetupLogger(cCtx *cli.Context) (log *slog.Logger) {
	logJSON := cCtx.Bool(LogJsonFlag.Name)
	logDebug := cCtx.Bool(LogDebugFlag.Name)
	logUID := cCtx.Bool(LogUidFlag.Name)
	logService := cCtx.String(LogServiceFlag.Name)

	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   logDebug,
		JSON:    logJSON,
		Service: logService,
		Version: common.Version,
		Output:  os.Stderr,
	})

	if logUID {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

func ConfigureServer(cCtx *cli.Context, logger *slog.Logger, listenAddr string) *adiserver.HTTPServerConfig {
	metricsAddr := cCtx.String(MetricsAddrFlag.Name)
	enablePprof := cCtx.Bool(PprofFlag.Name)
	drainDuration := time.Duration(cCtx.Int64(DrainSecondsFlag.Name)) * time.Second

	return &adiserver.HTTPServerConfig{
		ListenAddr:               listenAddr,
		MetricsAddr:              metricsAddr,
		Log:                      logger,
		EnablePprof:              enablePprof,
		DrainDuration:            drainDuration,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             30 * time.Second,
	}
}

var StorageFlag = &cli.StringSliceFlag{
	Name:    "storage",
	Value:   cli.NewStringSlice(DefaultStorageURI()),
	Usage:   "storage URI for credentials and device state, repeat to mirror (file://, s3://, vault://, memory://)",
	EnvVars: []string{"SUPERSIGN_STORAGE"},
}

var AnisetteURLFlag = &cli.StringFlag{
	Name:    "anisette-url",
	Usage:   "anisette relay serving ready-made headers; takes precedence over --adi-url",
	EnvVars: []string{"SUPERSIGN_ANISETTE_URL"},
}

var ADIURLFlag = &cli.StringFlag{
	Name:    "adi-url",
	Usage:   "remote ADI host used to provision anisette locally",
	EnvVars: []string{"SUPERSIGN_ADI_URL"},
}

var LookupURLFlag = &cli.StringFlag{
	Name:  "lookup-url",
	Usage: "override the account endpoint lookup URL",
}

var DevServicesURLFlag = &cli.StringFlag{
	Name:  "devservices-url",
	Usage: "override the developer services base URL",
}

var LogJsonFlag = &cli.BoolFlag{
	Name:  "log-json",
	Value: false,
	Usage: "log in JSON format",
}
var LogDebugFlag = &cli.BoolFlag{
	Name:  "log-debug",
	Value: false,
	Usage: "log debug messages",
}
var LogUidFlag = &cli.BoolFlag{
	Name:  "log-uid",
	Value: false,
	Usage: "generate a uuid and add to all log messages",
}
var LogServiceFlag = &cli.StringFlag{
	Name:  "log-service",
	Value: "supersign",
	Usage: "add 'service' tag to logs",
}

var PprofFlag = &cli.BoolFlag{
	Name:  "pprof",
	Value: false,
	Usage: "enable pprof debug endpoint",
}
var DrainSecondsFlag = &cli.Int64Flag{
	Name:  "drain-seconds",
	Value: 45,
	Usage: "seconds to wait in drain HTTP request",
}
var MetricsAddrFlag = &cli.StringFlag{
	Name:  "metrics-addr",
	Value: "127.0.0.1:8090",
	Usage: "address to listen on for Prometheus metrics",
}

var CommonFlags = []cli.Flag{
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
	LogServiceFlag,
	StorageFlag,
	AnisetteURLFlag,
	ADIURLFlag,
	LookupURLFlag,
	DevServicesURLFlag,
}

var ServerFlags = []cli.Flag{
	PprofFlag,
	DrainSecondsFlag,
	MetricsAddrFlag,
}

// DefaultStorageURI is a per-user directory under the OS configuration root.
func DefaultStorageURI() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "memory://"
	}
	return "file://" + dir + "/supersign/"
}
