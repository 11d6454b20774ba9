package flags

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/tee-biometric-signer/api"
	"github.com/ruteri/tee-biometric-signer/common"
	"github.com/urfave/cli/v2"
	"github.com/urfave/cli/v2/altsrc"
)

func SetupLogger(cCtx *cli.Context) (log *slog.Logger) {
	logJSON := cCtx.Bool(LogJsonFlag.Name)
	logDebug := cCtx.Bool(LogDebugFlag.Name)
	logUID := cCtx.Bool(LogUidFlag.Name)
	logService := cCtx.String("log-service")

	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   logDebug,
		JSON:    logJSON,
		Service: logService,
		Version: common.Version,
	})

	if logUID {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

func ConfigureServer(cCtx *cli.Context, logger *slog.Logger, listenAddr string) *api.HTTPServerConfig {
	metricsAddr := cCtx.String(MetricsAddrFlag.Name)
	enablePprof := cCtx.Bool(PprofFlag.Name)
	drainDuration := time.Duration(cCtx.Int64(DrainSecondsFlag.Name)) * time.Second

	return &api.HTTPServerConfig{
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

// ConfigFileFlag names a YAML file whose keys default the other flags.
var ConfigFileFlag = &cli.StringFlag{
	Name:    "config",
	Usage:   "YAML file with flag values",
	EnvVars: []string{"BIOSIGN_CONFIG"},
}

var LogJsonFlag = &cli.BoolFlag{
	Name:    "log-json",
	Value:   false,
	Usage:   "log in JSON format",
	EnvVars: []string{"BIOSIGN_LOG_JSON"},
}
var LogDebugFlag = &cli.BoolFlag{
	Name:    "log-debug",
	Value:   false,
	Usage:   "log debug messages",
	EnvVars: []string{"BIOSIGN_LOG_DEBUG"},
}
var LogUidFlag = &cli.BoolFlag{
	Name:  "log-uid",
	Value: false,
	Usage: "generate a uuid and add to all log messages",
}

var LogServiceFlagFn = func(service string) *cli.StringFlag {
	return &cli.StringFlag{
		Name:  "log-service",
		Value: service,
		Usage: "add 'service' tag to logs",
	}
}

var PprofFlag = &cli.BoolFlag{
	Name:  "pprof",
	Value: false,
	Usage: "enable pprof debug endpoint",
}
var DrainSecondsFlag = &cli.Int64Flag{
	Name:  "drain-seconds",
	Value: 45,
	Usage: "seconds to keep serving after a shutdown signal while marked not ready",
}
var MetricsAddrFlag = &cli.StringFlag{
	Name:    "metrics-addr",
	Value:   "127.0.0.1:8090",
	Usage:   "address to listen on for Prometheus metrics",
	EnvVars: []string{"BIOSIGN_METRICS_ADDR"},
}

var CommonFlags = []cli.Flag{
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
	PprofFlag,
	DrainSecondsFlag,
	MetricsAddrFlag,
}

var CustodianFlag = altsrc.NewStringFlag(&cli.StringFlag{
	Name:    "custodian",
	Value:   "file://./biosign-keys",
	Usage:   "key custodian URI: memory://, file:///dir, awskms://region, vault://host:port/mount",
	EnvVars: []string{"BIOSIGN_CUSTODIAN"},
})

var AliasFlag = altsrc.NewStringFlag(&cli.StringFlag{
	Name:    "alias",
	Value:   "login-key",
	Usage:   "key alias the signer operates on",
	EnvVars: []string{"BIOSIGN_ALIAS"},
})

var SchemeFlag = altsrc.NewStringFlag(&cli.StringFlag{
	Name:    "scheme",
	Value:   "ecdsa-p256-sha256",
	Usage:   "signature scheme for new keys: ecdsa-p256-sha256 or secp256k1-keccak256",
	EnvVars: []string{"BIOSIGN_SCHEME"},
})

var EnrollmentFlag = altsrc.NewStringFlag(&cli.StringFlag{
	Name:    "enrollment",
	Value:   "./biosign-enrollment.json",
	Usage:   "biometric enrollment file",
	EnvVars: []string{"BIOSIGN_ENROLLMENT"},
})

var FailureLimitFlag = altsrc.NewIntFlag(&cli.IntFlag{
	Name:    "failure-limit",
	Value:   4,
	Usage:   "failed attempts after which a signing ceremony is closed",
	EnvVars: []string{"BIOSIGN_FAILURE_LIMIT"},
})

// SignerFlags are the flags every signer command reads, YAML-configurable.
var SignerFlags = []cli.Flag{
	CustodianFlag,
	AliasFlag,
	SchemeFlag,
	EnrollmentFlag,
	FailureLimitFlag,
}

// LoadConfigFile makes flags in SignerFlags default to values from the
// file named by ConfigFileFlag, when set.
func LoadConfigFile(cCtx *cli.Context) error {
	if cCtx.String(ConfigFileFlag.Name) == "" {
		return nil
	}
	return altsrc.InitInputSourceWithContext(SignerFlags, altsrc.NewYamlSourceFromFlagFunc(ConfigFileFlag.Name))(cCtx)
}
