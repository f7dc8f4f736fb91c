package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/PetoAdam/homenavi/edge-console/internal/config"
	"github.com/PetoAdam/homenavi/edge-console/internal/console"
	"github.com/PetoAdam/homenavi/edge-console/internal/deploy"
)

func runDeploy(ctx context.Context, cfg config.Config, args []string) error {
	fs := newFlagSet("deploy", "deploy [flags] [module.wasm]")
	empty := fs.BoolP("empty", "e", false, "remove the current deployment with an empty one")
	timeout := fs.IntP("timeout", "t", int(cfg.DeployTimeout/time.Second), "seconds to wait for the agent to apply the deployment")
	force := fs.BoolP("force-webserver", "f", false, "serve modules locally even if the configured webserver host is remote")
	manifestPath := fs.String("manifest", "", "deployment manifest JSON; module paths are relative to --serve-root")
	serveRoot := fs.String("serve-root", "", "directory served to the camera (default: the module's directory)")
	name := fs.String("name", "", "instance and module name for a single module (default: file name)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	cfg.DeployTimeout = time.Duration(*timeout) * time.Second

	host := cfg.WebserverHost()
	local := *force || config.IsLocal(cfg.Webserver.Host)
	if !local {
		slog.Info("modules must already be hosted by the configured webserver", "host", host, "port", cfg.Webserver.Port)
	}

	var req console.AppRequest
	switch {
	case *empty:
		req = console.AppRequest{Manifest: deploy.EmptyDeployment(), Target: "empty"}
	case *manifestPath != "":
		m, err := deploy.LoadManifest(*manifestPath)
		if err != nil {
			return err
		}
		root := *serveRoot
		if root == "" {
			root = filepath.Dir(*manifestPath)
		}
		if err := m.ServeFrom(host, cfg.Webserver.Port, root); err != nil {
			return err
		}
		req = console.AppRequest{Manifest: m, Target: *manifestPath}
		if local {
			req.ServeRoot = root
		}
	case fs.NArg() == 1:
		path, err := filepath.Abs(fs.Arg(0))
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("module not found: %w", err)
		}
		root := filepath.Dir(path)
		if *serveRoot != "" {
			root = *serveRoot
		}
		n := *name
		if n == "" {
			n = strings.SplitN(filepath.Base(path), ".", 2)[0]
		}
		m, err := deploy.SingleModuleManifest(n, path, host, cfg.Webserver.Port, root)
		if err != nil {
			return err
		}
		req = console.AppRequest{Manifest: m, Target: path}
		if local {
			req.ServeRoot = root
		}
	default:
		fs.Usage()
		return errors.New("a module, --manifest or --empty is required")
	}

	s, err := openSession(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer s.close()

	if _, err := s.dialect(ctx); err != nil {
		return err
	}
	job, err := s.console.DeployApplication(req)
	if err != nil {
		return err
	}
	slog.Info("deploying", "deployment_id", req.Manifest.ID(), "target", req.Target)
	if err := job.Wait(ctx); err != nil {
		return err
	}
	slog.Info("deployment applied", "deployment_id", req.Manifest.ID())
	return nil
}
