package cmd

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/andresmejia3/facewatch/internal/collector"
	"github.com/andresmejia3/facewatch/internal/control"
	"github.com/andresmejia3/facewatch/internal/controller"
	"github.com/andresmejia3/facewatch/internal/emitter"
	"github.com/andresmejia3/facewatch/internal/metrics"
	"github.com/andresmejia3/facewatch/internal/recognizer"
	"github.com/andresmejia3/facewatch/internal/server"
	"github.com/andresmejia3/facewatch/internal/utils"
)

const megabyte = 1024 * 1024

var serveCamera string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run live recognition on the configured camera",
	Long:  "Reads frames from the camera through ffmpeg, recognizes known faces, and collects and trains new identities on request over MQTT or HTTP.",
	Run: func(cmd *cobra.Command, args []string) {
		if err := runServe(cmd.Context()); err != nil {
			utils.Die("Serve failed", err, nil)
		}
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveCamera, "camera", "", "ffmpeg input (device, RTSP url or file), overrides camera.input")
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context) error {
	metrics.Register()
	if serveCamera != "" {
		cfg.Camera.Input = serveCamera
	}

	svc := startWorker()
	defer svc.Close()

	latest := emitter.NewLatest()
	pub := emitter.Fanout{latest}

	var mq *emitter.MQTT
	if cfg.MQTT.Broker != "" {
		mq = emitter.NewMQTT(emitter.MQTTConfig{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Prefix:   cfg.MQTT.Prefix,
			QoS:      cfg.MQTT.QoS,
		}, log)
		if err := mq.Connect(); err != nil {
			return err
		}
		defer mq.Disconnect()
		pub = append(pub, mq)
	}

	db, err := openStore(ctx)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	reg, tr := newTrainer(svc, pub, db, nil)
	log.Info("classifier ready", zap.Strings("known", reg.KnownNames()), zap.Bool("loaded", reg.Model() != nil))

	engine := recognizer.New(svc, reg, pub, recognizer.Options{
		ClearEvery:  cfg.Recognition.ClearEvery,
		HistorySize: cfg.Recognition.HistorySize,
	}, log)
	col := collector.New(svc, layout(), pub, cfg.Recognition.CropSamples, log)
	ctrl := controller.New(engine, col, tr, pub, controller.Options{
		ProcessEvery: cfg.Recognition.ProcessEvery,
		ResetSettle:  cfg.Recognition.ResetSettle,
		Params:       cfg.Params,
	}, log)
	defer ctrl.Close()

	var client control.Client
	if mq != nil {
		client = mq.Client
	}
	params := control.New(client, cfg.MQTT.Prefix, cfg.MQTT.QoS, ctrl, log)
	if mq != nil {
		if err := params.Subscribe(); err != nil {
			return err
		}
		defer params.Unsubscribe()
		ctrl.SetUpdater(params)
	}

	// The camera ending stops the whole process
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	if cfg.HTTP.Addr != "" {
		srv := server.New(ctrl, params, latest, log)
		g.Go(func() error { return srv.Run(gctx, cfg.HTTP.Addr) })
	}
	g.Go(func() error {
		defer cancel()
		return readCamera(gctx, ctrl)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	fmt.Fprintln(os.Stderr, "\n🏁 Facewatch stopped.")
	return err
}

// readCamera feeds decoded ffmpeg frames to the controller until the stream
// ends or ctx is cancelled.
func readCamera(ctx context.Context, ctrl *controller.Controller) error {
	ffmpeg := utils.NewFFmpegCmd(cfg.Camera.Input, cfg.Camera.Format, cfg.Camera.FPS)

	var stderrBuf bytes.Buffer
	ffmpeg.Stderr = &stderrBuf

	ffmpegOut, err := ffmpeg.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create FFmpeg stdout pipe: %w", err)
	}
	if err := ffmpeg.Start(); err != nil {
		return fmt.Errorf("failed to start FFmpeg: %w", err)
	}
	log.Info("camera started", zap.String("input", cfg.Camera.Input))

	// Unblock the scanner on shutdown
	stopped := make(chan struct{})
	defer close(stopped)
	go func() {
		select {
		case <-ctx.Done():
			_ = ffmpeg.Process.Kill()
		case <-stopped:
		}
	}()

	scanner := bufio.NewScanner(ffmpegOut)
	scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	scanner.Split(utils.SplitJpeg)

	for scanner.Scan() {
		img, err := jpeg.Decode(bytes.NewReader(scanner.Bytes()))
		if err != nil {
			log.Debug("frame dropped", zap.Error(err))
			continue
		}
		ctrl.HandleFrame(ctx, img)
	}
	scanErr := scanner.Err()
	waitErr := ffmpeg.Wait()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if scanErr != nil {
		return fmt.Errorf("frame scanner failed: %w", scanErr)
	}
	if waitErr != nil {
		if stderrBuf.Len() > 0 {
			fmt.Fprintf(os.Stderr, "\nFFmpeg Logs:\n%s\n", stderrBuf.String())
		}
		return fmt.Errorf("FFmpeg execution failed: %w", waitErr)
	}
	log.Info("camera stream ended")
	return nil
}
