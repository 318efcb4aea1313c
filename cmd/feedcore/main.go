package main

import (
	"flag"
	"fmt"
	"log"

	pyroscope "github.com/grafana/pyroscope-go"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"

	"main/internal/core"
	"main/internal/ctrl"
	"main/internal/ops"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config")
	flag.Parse()

	cfg, err := ops.Load(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	if cfg.Profiling.Enabled {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: "feedcore",
			ServerAddress:   cfg.Profiling.ServerAddress,
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileAllocSpace,
				pyroscope.ProfileInuseObjects,
				pyroscope.ProfileInuseSpace,
			},
		})
		if err != nil {
			log.Fatalf("pyroscope start failed: %v", err)
		}
		defer func() {
			_ = profiler.Stop()
		}()
	}

	engine, err := core.NewEngine(cfg)
	if err != nil {
		log.Fatalf("engine init failed: %v", err)
	}
	if err := engine.Start(); err != nil {
		log.Fatalf("engine start failed: %v", err)
	}

	control := ctrl.NewServer(fmt.Sprintf(":%d", cfg.Network.CtrlHTTPPort), engine)
	if err := control.Start(); err != nil {
		engine.Stop()
		log.Fatalf("control server start failed: %v", err)
	}

	<-sys.Shutdown()
	logs.Info("shutdown requested")

	control.Stop()
	engine.Stop()
}
