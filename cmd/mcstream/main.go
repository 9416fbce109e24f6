package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	ossignal "os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"mcstream/native/internal/api"
	"mcstream/native/internal/config"
	"mcstream/native/internal/domain"
	"mcstream/native/internal/session"
	sigclient "mcstream/native/internal/signal"
	"mcstream/native/internal/webrtc"

	"github.com/pion/logging"
	pion "github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/h264reader"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const version = "0.3.0"

const h264FrameDuration = time.Second / 30

const helpText = `mcstream - Publish or view a real-time stream over WebRTC

Usage:
  mcstream [subscribe|publish]

subscribe (default) writes the main source's raw H264 video to stdout.
publish reads an H264 Annex-B elementary stream from stdin.

Environment Variables:
  MC_STREAM_NAME      Stream name (required)
  MC_ACCOUNT_ID       Account id (required to subscribe)
  MC_PUBLISH_TOKEN    Publishing token (required to publish)
  MC_SUBSCRIBE_TOKEN  Subscribing token for secured streams
  MC_PUBLISH_URL      Director publish endpoint
  MC_SUBSCRIBE_URL    Director subscribe endpoint
  MC_OPTIONS_FILE     YAML file with session options
  MC_METRICS_ADDR     Serve Prometheus metrics on this address

Examples:
  # Live playback
  mcstream | ffplay -f h264 -

  # Publish a file
  ffmpeg -re -i in.mp4 -c:v libx264 -bsf:v h264_mp4toannexb -f h264 - | mcstream publish

Options:
  -h, --help  Show this help message
`

func main() {
	mode := "subscribe"
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "-h", "--help":
			fmt.Print(helpText)
			os.Exit(0)
		case "subscribe", "publish":
			mode = os.Args[1]
		default:
			fmt.Fprint(os.Stderr, helpText)
			os.Exit(2)
		}
	}

	lf := logging.NewDefaultLoggerFactory()
	log := lf.NewLogger("main")

	cfg, err := config.Load()
	if err != nil {
		log.Errorf("%v", err)
		os.Exit(1)
	}

	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			log.Infof("serving metrics on %s", cfg.MetricsAddr)
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warnf("metrics server: %v", err)
			}
		}()
	}

	done := make(chan struct{})
	var doneOnce sync.Once
	finish := func() { doneOnce.Do(func() { close(done) }) }

	sigCh := make(chan os.Signal, 1)
	ossignal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Infof("received %s, shutting down", sig)
		finish()
	}()

	role := domain.RoleSubscribe
	if mode == "publish" {
		role = domain.RolePublish
	}

	opts := session.Options{
		StreamName:    cfg.StreamName,
		Credentials:   cfg.Credentials(role),
		Authenticator: api.NewClient(nil, lf),
		NewSignaler: sigclient.Factory(
			sigclient.WithLoggerFactory(lf),
			sigclient.WithUserAgent(fmt.Sprintf("mcstream/%s (%s/%s)", version, runtime.GOOS, runtime.GOARCH)),
		),
		LoggerFactory:     lf,
		LegacyAV1:         cfg.Options.LegacyAV1,
		StatsInterval:     cfg.Options.StatsInterval,
		FirstRetryDelay:   cfg.Options.FirstRetryDelay,
		RetryInterval:     cfg.Options.RetryInterval,
		ProjectionTimeout: cfg.Options.ProjectionTimeout,
		Hooks: session.Hooks{
			OnConnected:       func() { log.Infof("connected to %q", cfg.StreamName) },
			OnConnectionError: func(err error) { log.Warnf("connection error: %v", err) },
			OnViewerCount:     func(n int) { log.Infof("viewers: %d", n) },
			OnStopped: func() {
				log.Infof("stream stopped")
				finish()
			},
		},
	}

	var stopSession func()
	switch role {
	case domain.RolePublish:
		stopSession, err = publish(opts, cfg, lf, log, finish)
	default:
		stopSession, err = subscribe(opts, lf, log, finish)
	}
	if err != nil {
		log.Errorf("%v", err)
		os.Exit(1)
	}

	<-done
	log.Infof("shutting down")
	stopSession()
	log.Infof("done")
}

func subscribe(opts session.Options, lf logging.LoggerFactory, log logging.LeveledLogger, finish func()) (func(), error) {
	opts.NewTransport = webrtc.NewFactory(webrtc.Options{LoggerFactory: lf})

	var once sync.Once
	opts.Hooks.OnSourceActive = func(sourceID string, tracks []domain.TrackAnnouncement) {
		log.Infof("source %q active (%d tracks)", sourceID, len(tracks))
	}
	opts.Hooks.OnRemoteTrackReady = func(sourceID string, kind domain.MediaKind, track domain.RemoteTrack) {
		if sourceID != "" || kind != domain.MediaVideo || track.MimeType() != pion.MimeTypeH264 {
			go drain(track)
			return
		}
		once.Do(func() {
			go func() {
				if err := webrtc.WriteH264(track, os.Stdout, log); err != nil {
					log.Warnf("h264 sink: %v", err)
				}
				finish()
			}()
		})
	}

	sub := session.NewSubscriber(opts)
	log.Infof("subscribing to %q", opts.StreamName)
	if err := sub.Subscribe(); err != nil {
		return nil, err
	}
	return func() {
		sub.UnSubscribe()
		_ = sub.Close()
	}, nil
}

func publish(opts session.Options, cfg *config.Config, lf logging.LoggerFactory, log logging.LeveledLogger, finish func()) (func(), error) {
	track, err := pion.NewTrackLocalStaticSample(pion.RTPCodecCapability{MimeType: pion.MimeTypeH264}, "video", "mcstream")
	if err != nil {
		return nil, fmt.Errorf("create video track: %w", err)
	}

	codec := cfg.Options.Codec
	if codec == "" {
		codec = "h264"
	}
	opts.NewTransport = webrtc.NewFactory(webrtc.Options{LoggerFactory: lf, Tracks: []pion.TrackLocal{track}, Codec: codec})

	var once sync.Once
	connected := opts.Hooks.OnConnected
	opts.Hooks.OnConnected = func() {
		connected()
		once.Do(func() {
			go func() {
				ticker := time.NewTicker(h264FrameDuration)
				defer ticker.Stop()
				if err := pump(track, os.Stdin, func() { <-ticker.C }); err != nil {
					log.Warnf("h264 source: %v", err)
				}
				finish()
			}()
		})
	}

	pub := session.NewPublisher(opts, session.PublishOptions{
		Stereo:   cfg.Options.Stereo,
		DTX:      cfg.Options.DTX,
		Codec:    codec,
		SourceID: cfg.Options.SourceID,
	})
	log.Infof("publishing %q", opts.StreamName)
	if err := pub.Publish(); err != nil {
		return nil, err
	}
	return func() {
		pub.UnPublish()
		_ = pub.Close()
	}, nil
}

type sampleWriter interface {
	WriteSample(media.Sample) error
}

// pump copies NAL units from r onto w. Parameter sets and other non-VCL
// units share the timestamp of the frame that follows them; pace is called
// once per coded slice.
func pump(w sampleWriter, r io.Reader, pace func()) error {
	reader, err := h264reader.NewReader(r)
	if err != nil {
		return err
	}

	for {
		nal, err := reader.NextNAL()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		vcl := isSlice(nal.UnitType)
		sample := media.Sample{Data: nal.Data}
		if vcl {
			sample.Duration = h264FrameDuration
		}
		if err := w.WriteSample(sample); err != nil {
			return err
		}
		if vcl {
			pace()
		}
	}
}

// isSlice reports whether t starts a coded slice. Data partitions B and C
// continue the slice begun by partition A.
func isSlice(t h264reader.NalUnitType) bool {
	switch t {
	case h264reader.NalUnitTypeCodedSliceNonIdr,
		h264reader.NalUnitTypeCodedSliceDataPartitionA,
		h264reader.NalUnitTypeCodedSliceIdr:
		return true
	}
	return false
}

func drain(track domain.RemoteTrack) {
	for {
		if _, _, err := track.ReadRTP(); err != nil {
			return
		}
	}
}
