package config

import (
	"os"
	"runtime"
	"time"

	log "github.com/sirupsen/logrus"
)

type App struct {
	Name       string
	Version    string
	GitHash    string
	LongName   string
	InstanceId string
}

type Config struct {
	App        App        `yaml:"-"`
	Debug      bool       `yaml:"debug,omitempty"`
	Websocket  Websocket  `yaml:"websocket,omitempty"`
	Engine     Engine     `yaml:"engine,omitempty"`
	Recording  Recording  `yaml:"recording,omitempty"`
	Events     Events     `yaml:"events,omitempty"`
	Prometheus Prometheus `yaml:"prometheus,omitempty"`
	Log        LogConfig  `yaml:"log"`
}

func (cfg *Config) GetDefaults() *Config {
	cfg.SetDefaults()
	return cfg
}

// SetDefaults sets the default values
func (cfg *Config) SetDefaults() {
	if cfg.App.Name == "" {
		var err error
		if cfg.App.Name, err = os.Executable(); err != nil {
			log.Error(err)
			cfg.App.Name = "unknown"
		}
	}

	cfg.Websocket.ListenAddress = ":3125"
	cfg.Websocket.Path = "/ws"
	cfg.Engine.Workers = runtime.NumCPU()
	cfg.Engine.RTCMinPort = 10000
	cfg.Engine.RTCMaxPort = 10100
	cfg.Engine.LogLevel = "warn"
	cfg.Engine.AnnouncedIP = "127.0.0.1"
	cfg.Engine.InitialAvailableOutgoingBitrate = 1000000
	cfg.Engine.MaxIncomingBitrate = 1500000
	cfg.Engine.ExitOnWorkerCrash = false
	cfg.Engine.Codecs = []Codec{
		{MimeType: "audio/opus", ClockRate: 48000, Channels: 2, PayloadType: 111},
		{MimeType: "video/VP8", ClockRate: 90000, PayloadType: 96},
	}
	cfg.Recording.Enable = true
	cfg.Recording.Directory = "./recordings"
	cfg.Recording.ScratchDirectory = os.TempDir()
	cfg.Recording.DirFileMode = "0700"
	cfg.Recording.FileMode = "0600"
	cfg.Recording.PortRangeStart = 50000
	cfg.Recording.PortRangeEnd = 51000
	cfg.Recording.PortReleaseDelay = 2 * time.Second
	cfg.Recording.StartupTimeout = 10 * time.Second
	cfg.Recording.MaxDuration = 10 * time.Minute
	cfg.Recording.FFmpegPath = "ffmpeg"
	cfg.Recording.AudioBitrate = "128k"
	cfg.Recording.AudioSampleRate = 48000
	cfg.Recording.AudioChannels = 2
	cfg.Events.Enable = false
	cfg.Events.Channel = "from-" + cfg.App.Name
	cfg.Events.Adapter = "redis"
	cfg.Events.Adapters = make(map[string]interface{})
	cfg.Events.Adapters["redis"] = &Redis{
		Address:  ":6379",
		Network:  "tcp",
		Password: "",
	}
	cfg.Prometheus = Prometheus{
		Enable:        false,
		ListenAddress: "127.0.0.1:3200",
	}
}

type Websocket struct {
	ListenAddress string `yaml:"listenAddress,omitempty"`
	Path          string `yaml:"path,omitempty"`
}

// Engine configures the media engine adapter: how many workers to run,
// which UDP range the RTC stack may use and the codec set every router
// is created with.
type Engine struct {
	Workers                         int     `yaml:"workers,omitempty"`
	RTCMinPort                      uint16  `yaml:"rtcMinPort,omitempty"`
	RTCMaxPort                      uint16  `yaml:"rtcMaxPort,omitempty"`
	LogLevel                        string  `yaml:"logLevel,omitempty"`
	AnnouncedIP                     string  `yaml:"announcedIp,omitempty"`
	Codecs                          []Codec `yaml:"codecs,omitempty"`
	InitialAvailableOutgoingBitrate uint32  `yaml:"initialAvailableOutgoingBitrate,omitempty"`
	MaxIncomingBitrate              uint32  `yaml:"maxIncomingBitrate,omitempty"`
	// ExitOnWorkerCrash restores the legacy behavior of terminating the
	// whole process when a worker dies instead of recycling it.
	ExitOnWorkerCrash bool `yaml:"exitOnWorkerCrash,omitempty"`
}

type Codec struct {
	MimeType    string `yaml:"mimeType"`
	ClockRate   uint32 `yaml:"clockRate"`
	Channels    uint16 `yaml:"channels,omitempty"`
	PayloadType uint8  `yaml:"payloadType,omitempty"`
}

type Recording struct {
	Enable           bool          `yaml:"enable,omitempty"`
	Directory        string        `yaml:"directory,omitempty"`
	ScratchDirectory string        `yaml:"scratchDirectory,omitempty"`
	DirFileMode      string        `yaml:"dirFileMode,omitempty"`
	FileMode         string        `yaml:"fileMode,omitempty"`
	PortRangeStart   int           `yaml:"portRangeStart,omitempty"`
	PortRangeEnd     int           `yaml:"portRangeEnd,omitempty"`
	PortReleaseDelay time.Duration `yaml:"portReleaseDelay,omitempty"`
	StartupTimeout   time.Duration `yaml:"startupTimeout,omitempty"`
	MaxDuration      time.Duration `yaml:"maxDuration,omitempty"`
	FFmpegPath       string        `yaml:"ffmpegPath,omitempty"`
	AudioBitrate     string        `yaml:"audioBitrate,omitempty"`
	AudioSampleRate  int           `yaml:"audioSampleRate,omitempty"`
	AudioChannels    int           `yaml:"audioChannels,omitempty"`
}

type Redis struct {
	Address  string `yaml:"address,omitempty"`
	Network  string `yaml:"network,omitempty"`
	Password string `yaml:"password,omitempty"`
}

type Events struct {
	Enable   bool   `yaml:"enable,omitempty"`
	Channel  string `yaml:"channel,omitempty"`
	Adapter  string `yaml:"adapter,omitempty"`
	Adapters map[string]interface{}
}

type Prometheus struct {
	Enable        bool   `yaml:"enable,omitempty"`
	ListenAddress string `yaml:"listenAddress,omitempty"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}
