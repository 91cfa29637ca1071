package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"libcompart/pkg/compart"
	"libcompart/pkg/utils/contextkey"
	"libcompart/pkg/utils/logger"
)

const defaultConfigPath = "configs/compart_hello.yaml"

func main() {
	flagSet := pflag.NewFlagSet("compart-hello", pflag.ContinueOnError)
	configPath := flagSet.StringP("config", "c", defaultConfigPath, "path to config file")
	value := flagSet.IntP("value", "v", -5, "argument passed to the compartment functions")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return
		}
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(2)
	}

	manifest, err := compart.LoadFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	cfg := manifest.Config

	if err := logger.Init(logger.Config{Level: cfg.Logger.Level, Format: cfg.Logger.Format, OutputPath: "stderr"}); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	cfg.OnCallTimeout = func(idx int) {
		logger.Error(context.Background(), "call timed out", zap.String("compartment", manifest.Compartments[idx].Name))
	}
	if cfg.ActivityTimeout > 0 {
		cfg.OnActivityTimeout = func() {
			logger.Info(context.Background(), "no activity", zap.Duration("timeout", cfg.ActivityTimeout.Round(time.Millisecond)))
		}
	}

	rt, err := compart.Init(manifest.Compartments, cfg)
	if err != nil {
		os.Exit(1)
	}
	addTen, err := rt.Register("other", extAddTen)
	if err != nil {
		os.Exit(1)
	}
	addUID, err := rt.Register("third", extAddUID)
	if err != nil {
		os.Exit(1)
	}
	if err := rt.Start("hello"); err != nil {
		os.Exit(1)
	}
	ctx := context.WithValue(context.Background(), contextkey.Compartment, rt.Name())

	out, err := rt.Call(addTen, compart.Data{Buf: encodeInt(*value)})
	if err != nil {
		logger.Error(ctx, "add_ten failed", zap.Error(err))
		os.Exit(1)
	}
	fmt.Printf("%d + 10 = %d\n", *value, decodeInt(out.Buf))

	out, err = rt.Call(addUID, compart.Data{Buf: encodeInt(*value)})
	if err != nil {
		logger.Error(ctx, "add_uid failed", zap.Error(err))
		os.Exit(1)
	}
	fmt.Printf("%d + uid = %d\n", *value, decodeInt(out.Buf))

	rt.Log("hello done")
	logger.Info(ctx, "calls completed", zap.Int("value", *value))
	_ = rt.Close()
}
