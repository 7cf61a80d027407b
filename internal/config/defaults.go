package config

const (
	defaultConfigPath             = "~/.config/invokectl/config.toml"
	defaultBaseURL                = "http://127.0.0.1:9090"
	defaultProbeTimeout           = 3
	defaultRequestTimeout         = 10
	defaultSubmitTimeout          = 60
	defaultPollTimeout            = 10
	defaultDownloadTimeout        = 60
	defaultPollIntervalMS         = 1000
	defaultGenerationTimeout      = 300
	defaultSteps                  = 30
	defaultCFGScale               = 7.5
	defaultScheduler              = "dpmpp_2m"
	defaultNegativePrompt         = "ugly, deformed, bad quality, cartoon, 3d, disfigured, bad anatomy"
	defaultOutputDir              = "~/Pictures/invokectl"
	defaultConcurrency            = 2
	defaultCleanupAttempts        = 3
	defaultCleanupRetryDelayMS    = 1000
	defaultStateDir               = "~/.local/share/invokectl"
	defaultLogDir                 = "~/.local/share/invokectl/logs"
	defaultNotifyRequestTimeout   = 10
	defaultLogFormat              = "console"
	defaultLogLevel               = "info"
	defaultTracingServiceName     = "invokectl"
	defaultTracingEndpoint        = "localhost:4317"
	defaultTracingSampleRate      = 1.0
	baseURLEnvVar                 = "INVOKEAI_BASE_URL"
	ntfyTopicEnvVar               = "INVOKECTL_NTFY_TOPIC"
	submodelUNet                  = "unet"
	submodelTextEncoder           = "text_encoder"
	submodelTextEncoder2          = "text_encoder_2"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		InvokeAI: InvokeAI{
			BaseURL:           defaultBaseURL,
			ProbeTimeout:      defaultProbeTimeout,
			RequestTimeout:    defaultRequestTimeout,
			SubmitTimeout:     defaultSubmitTimeout,
			PollTimeout:       defaultPollTimeout,
			DownloadTimeout:   defaultDownloadTimeout,
			PollIntervalMS:    defaultPollIntervalMS,
			GenerationTimeout: defaultGenerationTimeout,
		},
		Generation: Generation{
			Steps:                defaultSteps,
			CFGScale:             defaultCFGScale,
			Scheduler:            defaultScheduler,
			NegativePrompt:       defaultNegativePrompt,
			OutputDir:            defaultOutputDir,
			LoraDefaultSubmodels: []string{submodelUNet, submodelTextEncoder},
			Concurrency:          defaultConcurrency,
		},
		Cleanup: Cleanup{
			Attempts:      defaultCleanupAttempts,
			RetryDelayMS:  defaultCleanupRetryDelayMS,
			LedgerEnabled: true,
		},
		Paths: Paths{
			StateDir: defaultStateDir,
			LogDir:   defaultLogDir,
		},
		Notifications: Notifications{
			RequestTimeout: defaultNotifyRequestTimeout,
			Completed:      false,
			Failed:         true,
			Leaks:          true,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
		Tracing: Tracing{
			Endpoint:    defaultTracingEndpoint,
			SampleRate:  defaultTracingSampleRate,
			ServiceName: defaultTracingServiceName,
		},
	}
}
