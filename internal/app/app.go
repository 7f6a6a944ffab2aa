package app

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ReesavGupta/peer-link/internal"
	"github.com/ReesavGupta/peer-link/internal/appstats"
	"github.com/ReesavGupta/peer-link/internal/config"
	"github.com/ReesavGupta/peer-link/internal/engine"
	"github.com/ReesavGupta/peer-link/internal/events"
	"github.com/ReesavGupta/peer-link/internal/recording"
	"github.com/ReesavGupta/peer-link/internal/server"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
)

var (
	app config.App

	flags struct {
		config  string
		dump    string
		debug   bool
		help    bool
		version bool
	}

	cfg *config.Config
	pub events.Publisher
	eng *engine.Engine
	sv  *server.Server
)

func init() {
	app.Name = internal.AppName
	app.Version = internal.AppVersion
	app.LongName = fmt.Sprintf("%s %s", app.Name, app.Version)
	app.InstanceId = uuid.New().String()

	flag.StringVarP(&flags.config, "config", "c", flags.config, "load configuration file")
	flag.StringVar(&flags.dump, "dump", "", "print config value (e.g. 'recording.directory')")
	flag.BoolVarP(&flags.debug, "debug", "d", flags.debug, "enable debug log")
	flag.BoolVarP(&flags.help, "help", "h", flags.help, "print help")
	flag.BoolVarP(&flags.version, "version", "v", flags.version, "print version")
	flag.Parse()

	if flags.help {
		fmt.Printf("%s\n\n", app.LongName)
		flag.PrintDefaults()
		shutdown(0)
	}

	if flags.version {
		fmt.Println(app.LongName)
		shutdown(0)
	}

	if flags.dump != "" {
		log.SetLevel(log.FatalLevel)
		cfg = initConfig()
		loadConfig()
		dumpConfig()
	}

	Init()
	Run()
}

func Init() {
	cfg = initConfig()
	log.Infof("Starting %s PID: %d", app.Name, os.Getpid())
	loadConfig()
	configureLog()
	sigintHandler()
	sighupHandler()
}

func Run() {
	if cfg.Prometheus.Enable {
		appstats.RegisterMetrics()
		appstats.ServePromMetrics(cfg.Prometheus)
	}

	var err error
	if eng, err = engine.NewEngine(cfg.Engine, nil); err != nil {
		log.Fatalf("failed to start media engine: %v", err)
	}

	pub = events.NewPublisher(cfg.Events)
	if cfg.Events.Enable {
		if err := pub.Check(); err != nil {
			log.Fatalf("failed to connect to events publisher: %v", err)
		}
	}

	if cfg.Recording.Enable {
		if err := recording.CheckFsPermissions(cfg.Recording); err != nil {
			log.Fatalf("failed to check recording filesystem permissions: %v", err)
		}
	}

	recordings := recording.NewRegistry(cfg.Recording, pub)
	sv = server.NewServer(cfg, eng, recordings, pub)

	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warnf("failed to notify readiness to systemd: %v", err)
	}

	log.Fatal(sv.Listen())
}

func shutdown(code int) {
	if sv != nil {
		if err := sv.Close(); err != nil {
			log.Errorf("failed to close server: %s", err)
		}
	}

	if eng != nil {
		eng.Close()
	}

	if pub != nil {
		if err := pub.Close(); err != nil {
			log.Errorf("failed to close events publisher: %s", err)
		}
	}

	os.Exit(code)
}

func sighupHandler() {
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for {
			<-sighup
			log.Debug("reloading config...")
			loadConfig()
			configureLog()
		}
	}()
}

func sigintHandler() {
	sigint := make(chan os.Signal, 1)
	signal.Notify(sigint, os.Interrupt)
	go func() {
		<-sigint
		shutdown(0)
	}()
}
