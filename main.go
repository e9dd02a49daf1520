package main

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"syscall"

	goerrors "github.com/go-errors/errors"
	"github.com/integrii/flaggy"
	yaml "github.com/jesseduffield/yaml"
	"github.com/samber/lo"

	"github.com/clara-ai/clarad/pkg/app"
	"github.com/clara-ai/clarad/pkg/config"
)

const defaultVersion = "unversioned"

var (
	commit      string
	version     = defaultVersion
	date        string
	buildSource = "unknown"

	configFlag    = false
	debuggingFlag = false
)

func main() {
	updateBuildInfo()

	info := fmt.Sprintf(
		"%s\nDate: %s\nBuildSource: %s\nCommit: %s\nOS: %s\nArch: %s",
		version, date, buildSource, commit, runtime.GOOS, runtime.GOARCH,
	)

	flaggy.SetName("clarad")
	flaggy.SetDescription("Local desktop orchestrator for Clara's sidecar services")
	flaggy.Bool(&configFlag, "c", "config", "Print the current default config")
	flaggy.Bool(&debuggingFlag, "d", "debug", "a boolean")
	flaggy.SetVersion(info)
	flaggy.Parse()

	if configFlag {
		printDefaultConfig()
		os.Exit(0)
	}

	appConfig, err := config.NewAppConfig("clarad", version, commit, date, buildSource, debuggingFlag)
	if err != nil {
		log.Fatal(err.Error())
	}

	orc, err := app.New(appConfig)
	if err != nil {
		log.Fatal(err.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := orc.Setup(ctx); err != nil {
		orc.Log.Error(goerrors.Wrap(err, 1).ErrorStack())
	}

	<-ctx.Done()

	if err := orc.Shutdown(); err != nil {
		log.Fatalf("shutdown: %s\n\n%s", err, goerrors.Wrap(err, 1).ErrorStack())
	}
}

func printDefaultConfig() {
	var buf bytes.Buffer
	if err := yaml.NewEncoder(&buf).Encode(config.GetDefaultConfig()); err != nil {
		log.Fatal(err.Error())
	}
	fmt.Printf("%v\n", buf.String())
}

func updateBuildInfo() {
	if version != defaultVersion {
		return
	}
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	if revision, ok := lo.Find(buildInfo.Settings, func(s debug.BuildSetting) bool {
		return s.Key == "vcs.revision"
	}); ok {
		commit = revision.Value
		version = safeTruncate(revision.Value, 7)
	}
	if t, ok := lo.Find(buildInfo.Settings, func(s debug.BuildSetting) bool {
		return s.Key == "vcs.time"
	}); ok {
		date = t.Value
	}
}

func safeTruncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
