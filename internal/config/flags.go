package config

import "flag"

var (
	flagConfig   = flag.String("config", "", "Path to config file")
	flagEnv      = flag.String("env", ".env", "Path to .env file")
	flagDebug    = flag.Bool("debug", false, "Enable debug logging")
	flagAddr     = flag.String("addr", "", "HTTP listen address")
	flagKernel   = flag.String("kernel", "", "Kernel type: file, http or exec")
	flagEndpoint = flag.String("endpoint", "", "Mesh generation API URL (http kernel)")
	flagTimeout  = flag.Duration("timeout", 0, "Per-build timeout")
	flagDebounce = flag.Duration("debounce", 0, "Debounce window for source changes")
	flagCache    = flag.String("cache", "", "Build cache: none, memory or redis")
	flagLogFile  = flag.String("log-file", "", "Write logs to this file as well")
	flagJSONLogs = flag.Bool("json-logs", false, "Log JSON to the console")
)

// ParseFlags parses command-line flags. Call this early in main().
func ParseFlags() {
	flag.Parse()
}

// ConfigPath returns the explicit config path if provided via --config flag.
func ConfigPath() string {
	return *flagConfig
}

// EnvPath returns the .env file path.
func EnvPath() string {
	return *flagEnv
}

// Args returns the positional arguments: paths to watch.
func Args() []string {
	return flag.Args()
}

// applyFlags applies CLI flag overrides to the config.
func applyFlags(cfg *Config) {
	if *flagDebug {
		cfg.Logging.Level = "debug"
	}
	if *flagAddr != "" {
		cfg.Server.Addr = *flagAddr
	}
	if *flagKernel != "" {
		cfg.Kernel.Type = *flagKernel
	}
	if *flagEndpoint != "" {
		cfg.Kernel.Endpoint = *flagEndpoint
	}
	if *flagTimeout > 0 {
		cfg.Build.Timeout = *flagTimeout
	}
	if *flagDebounce > 0 {
		cfg.Watch.Debounce = *flagDebounce
	}
	if *flagCache != "" {
		cfg.Cache.Type = *flagCache
	}
	if *flagLogFile != "" {
		cfg.Logging.LogFile = *flagLogFile
	}
	if *flagJSONLogs {
		cfg.Logging.JSON = true
	}
	if args := Args(); len(args) > 0 {
		cfg.Watch.Paths = args
	}
}
