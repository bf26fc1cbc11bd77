package main

import (
	"bufio"
	"context"
	"flag"
	"image"
	"os"
	"path/filepath"
	"runtime"

	"github.com/brutella/hc"
	"github.com/brutella/hc/accessory"
	"github.com/brutella/hc/log"

	"github.com/ra1nb0w/camstream"
	"github.com/ra1nb0w/camstream/backend"
	"github.com/ra1nb0w/camstream/config"
	"github.com/ra1nb0w/camstream/encoder"
	"github.com/ra1nb0w/camstream/ffmpeg"
	"github.com/ra1nb0w/camstream/mjpeg"
	"github.com/ra1nb0w/camstream/quality"
	"github.com/ra1nb0w/camstream/server"
	"github.com/ra1nb0w/camstream/source"

	"net/http"
	_ "net/http/pprof"
)

func main() {
	def := config.Default()

	var configFile *string = flag.String("config", "", "YAML configuration file")
	var addr *string = flag.String("addr", def.Addr, "address:port of the stream server")
	var qualityName *string = flag.String("quality", def.Quality, "initial quality preset (LOW, MEDIUM, HIGH)")
	var maxFPS *int = flag.Int("max_fps", def.MaxFPS, "maximum frames per second sent to each client")
	var sourceKind *string = flag.String("source", def.Source.Kind, "frame source: ffmpeg, dir, url or pattern")
	var videoDevice *string = flag.String("video_device", def.Source.VideoDevice, "video input device")
	var videoFilename *string = flag.String("video_filename", def.Source.VideoFilename, "video input device filename")
	var framerate *int = flag.Int("framerate", def.Source.Framerate, "capture frame rate")
	var sourceDir *string = flag.String("source_dir", def.Source.Dir, "directory watched by the dir source")
	var sourceURL *string = flag.String("source_url", def.Source.URL, "upstream MJPEG url of the url source")
	var dataDir *string = flag.String("data_dir", def.DataDir, "Path to data directory")
	var backendEnabled *bool = flag.Bool("backend", def.Backend.Enabled, "Enable the snapshot archive")
	var backendAddr *string = flag.String("backend_addr", def.Backend.Addr, "address:port of the backend web service")
	var buttonGPIO *int = flag.Int("button_gpio", def.Backend.ButtonGPIO, "GPIO number connected to the button, 0 reads stdin")
	var homekit *bool = flag.Bool("homekit", def.HomeKit.Enabled, "Publish the camera as a HomeKit doorbell")
	var pin *string = flag.String("pin", def.HomeKit.Pin, "Pin used to associate the accessory to Homekit")
	var qualityFile *string = flag.String("quality_file", def.QualityFile, "file holding the preset name, watched for changes")
	var verbose *bool = flag.Bool("verbose", def.Verbose, "Verbose logging")
	var probe *bool = flag.Bool("probe", false, "grab one frame with ffmpeg and exit")
	var profile *bool = flag.Bool("profile", false, "Enable http pprof")
	var profileAddr *string = flag.String("profile_addr", "localhost:8383", "pprof address:port")

	flag.Parse()

	cfg := def
	if *configFile != "" {
		var err error
		if cfg, err = config.Load(*configFile); err != nil {
			log.Info.Fatal(err)
		}
	}

	// explicitly set flags win over the file
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			cfg.Addr = *addr
		case "quality":
			cfg.Quality = *qualityName
		case "max_fps":
			cfg.MaxFPS = *maxFPS
		case "source":
			cfg.Source.Kind = *sourceKind
		case "video_device":
			cfg.Source.VideoDevice = *videoDevice
		case "video_filename":
			cfg.Source.VideoFilename = *videoFilename
		case "framerate":
			cfg.Source.Framerate = *framerate
		case "source_dir":
			cfg.Source.Dir = *sourceDir
		case "source_url":
			cfg.Source.URL = *sourceURL
		case "data_dir":
			cfg.DataDir = *dataDir
		case "backend":
			cfg.Backend.Enabled = *backendEnabled
		case "backend_addr":
			cfg.Backend.Addr = *backendAddr
		case "button_gpio":
			cfg.Backend.ButtonGPIO = *buttonGPIO
		case "homekit":
			cfg.HomeKit.Enabled = *homekit
		case "pin":
			cfg.HomeKit.Pin = *pin
		case "quality_file":
			cfg.QualityFile = *qualityFile
		case "verbose":
			cfg.Verbose = *verbose
		}
	})

	// validated once, after the file and the flags are merged
	if err := config.Validate(cfg); err != nil {
		log.Info.Fatalf("invalid configuration: %v", err)
	}

	if cfg.Verbose {
		log.Debug.Enable()
		ffmpeg.EnableVerboseLogging()
	}

	ffcfg := ffmpeg.Config{
		VideoDevice:   cfg.Source.VideoDevice,
		VideoFilename: cfg.Source.VideoFilename,
		Framerate:     cfg.Source.Framerate,
	}

	if *probe {
		img, err := ffmpeg.New(ffcfg).Snapshot(context.Background(), 0)
		if err != nil {
			log.Info.Fatal(err)
		}
		log.Info.Printf("%s %s delivers %v frames", ffcfg.VideoDevice, ffcfg.VideoFilename, img.Bounds().Size())
		return
	}

	preset, _ := quality.Parse(cfg.Quality)
	qc := quality.NewController(preset)

	svc := camstream.NewService(cfg.Addr, newSource(cfg, ffcfg), encoder.NewJPEG(), qc, server.Options{
		Stream: mjpeg.Options{
			MaxFPS:  cfg.MaxFPS,
			MaxWait: cfg.MaxWait,
		},
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		log.Info.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	if cfg.QualityFile != "" {
		go func() {
			if err := camstream.WatchQualityFile(ctx, cfg.QualityFile, svc.SetQuality); err != nil {
				log.Info.Println(err)
			}
		}()
	}

	var bk *backend.Backend
	if cfg.Backend.Enabled {
		bk = backend.New(filepath.Join(cfg.DataDir, "history.sqlite"), cfg.Backend.Addr)
		bk.SetMaxSnapshots(cfg.Backend.MaxSnapshots)
		if err := bk.StartWebService(); err != nil {
			log.Info.Fatal(err)
		}
	}

	var doorbell *camstream.Doorbell
	var t hc.Transport
	if cfg.HomeKit.Enabled {
		accInfo := accessory.Info{
			Name:             cfg.HomeKit.Name,
			FirmwareRevision: "1.0",
			SerialNumber:     "l33t",
			Manufacturer:     "camstream",
			Model:            "MJPEG Camera",
		}
		doorbell = camstream.NewDoorbell(accInfo)

		hcConfig := hc.Config{Pin: cfg.HomeKit.Pin, StoragePath: filepath.Join(cfg.DataDir, "homekit")}
		ipt, err := hc.NewIPTransport(hcConfig, doorbell.Accessory)
		if err != nil {
			log.Info.Panic(err)
		}

		// enable snapshot callback
		ipt.CameraSnapshotReq = func(width, height uint) (*image.Image, error) {
			return svc.SnapshotImage(width, height)
		}
		t = ipt
		go t.Start()
	}

	// archive the current frame and ring when the button is pressed
	onButtonPressed := func() {
		if doorbell != nil {
			doorbell.Ring()
		}
		if bk == nil {
			return
		}
		if data, ok := svc.Latest(); ok {
			if err := bk.InsertSnapshot(data); err != nil {
				log.Info.Println("archive snapshot:", err)
			}
		}
	}

	var b *camstream.Button
	if bk != nil || doorbell != nil {
		b = camstream.NewButton(cfg.Backend.ButtonGPIO, bufio.NewScanner(os.Stdin), onButtonPressed)
		if runtime.GOOS == "linux" && cfg.Backend.ButtonGPIO > 0 {
			go func() {
				if err := b.StartGPIO(); err != nil {
					log.Info.Println("button:", err)
				}
			}()
		} else {
			go b.StartStdin()
		}
	}

	// enable pprof
	if *profile {
		log.Debug.Println("Start pprof at " + *profileAddr)
		go http.ListenAndServe(*profileAddr, nil)
	}

	if err := svc.Start(); err != nil {
		log.Info.Fatal(err)
	}

	stopped := make(chan struct{})

	// close all connection when exit
	hc.OnTermination(func() {
		cancel()
		if b != nil {
			b.Stop()
		}
		if t != nil {
			<-t.Stop()
		}
		if err := svc.Stop(); err != nil {
			log.Info.Println(err)
		}
		if bk != nil {
			bk.Close()
		}
		close(stopped)
	})

	<-stopped
}

func newSource(cfg *config.Config, ffcfg ffmpeg.Config) source.Source {
	switch cfg.Source.Kind {
	case config.SourceFFmpeg:
		return ffmpeg.New(ffcfg)
	case config.SourceDir:
		return &source.Dir{Path: cfg.Source.Dir}
	case config.SourceURL:
		return &source.URL{URL: cfg.Source.URL}
	default:
		return &source.Pattern{Width: 1920, Height: 1080, FPS: cfg.Source.Framerate}
	}
}
