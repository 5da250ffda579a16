package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/rollingrestartd/rollingrestartd/internal/adminapi"
	"github.com/rollingrestartd/rollingrestartd/internal/brokerclient"
	"github.com/rollingrestartd/rollingrestartd/internal/clustervalidate"
	"github.com/rollingrestartd/rollingrestartd/internal/config"
	"github.com/rollingrestartd/rollingrestartd/internal/hostexec"
	"github.com/rollingrestartd/rollingrestartd/internal/observability"
	"github.com/rollingrestartd/rollingrestartd/internal/orchestrator"
	"github.com/rollingrestartd/rollingrestartd/internal/version"
)

const (
	exitOK          = 0
	exitUsage       = 64
	exitConfigError = 65
	exitServerError = 66
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return exitUsage
	}

	switch args[0] {
	case "run":
		return commandRun(args[1:])
	case "validate-config":
		return commandValidateConfig(args[1:])
	case "validate-topology":
		return commandValidateTopology(args[1:])
	case "version":
		fmt.Println(version.Version)
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		usage()
		return exitUsage
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: rolling-restartd <command> [options]
Commands:
  run                  Start the admin HTTP service
  validate-config      Validate the resolved configuration (topology + environment)
  validate-topology    Validate only the topology file
  version              Print build version
`)
}

func commandRun(args []string) int {
	return commandRunWithWriters(args, os.Stdout, os.Stderr)
}

func commandRunWithWriters(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	topologyPath := fs.String("topology", config.DefaultTopologyPath, "path to cluster topology YAML file")
	addr := fs.String("addr", ":8080", "address the admin HTTP service listens on")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	cfg, err := config.Load(*topologyPath)
	if err != nil {
		fmt.Fprintf(stderr, "failed to load configuration: %v\n", err)
		return exitConfigError
	}

	logger := observability.NewJSONLogger(stdout)
	metrics := observability.NewPrometheusCollector()
	reporter := orchestrator.NewStructuredReporter("orchestrator", logger, metrics)

	broker := brokerclient.New(cfg.BrokerAdminUser, cfg.BrokerAdminPassword, cfg.Timeouts.APITimeout())
	host, err := hostexec.New(cfg.SSHUser, cfg.SSHKeyPath, cfg.SSHPassword)
	if err != nil {
		fmt.Fprintf(stderr, "failed to configure SSH executor: %v\n", err)
		return exitConfigError
	}
	defer host.Close()

	validator := clustervalidate.New(broker, cfg.ManagementAPIBase, cfg)
	orch := orchestrator.New(cfg, broker, host, validator, cfg.ManagementAPIBase, reporter)
	server := adminapi.NewServer(cfg, broker, host, validator, orch, metrics, logger)

	fmt.Fprintf(stdout, "rolling-restartd %s starting for cluster %q on %s\n", version.Version, cfg.Topology.ClusterName, *addr)
	if err := http.ListenAndServe(*addr, server); err != nil {
		fmt.Fprintf(stderr, "admin HTTP service exited: %v\n", err)
		return exitServerError
	}
	return exitOK
}

func commandValidateConfig(args []string) int {
	return commandValidateConfigWithWriters(args, os.Stdout, os.Stderr)
}

func commandValidateConfigWithWriters(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("validate-config", flag.ContinueOnError)
	fs.SetOutput(stderr)
	topologyPath := fs.String("topology", config.DefaultTopologyPath, "path to cluster topology YAML file")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	cfg, err := config.Load(*topologyPath)
	if err != nil {
		fmt.Fprintf(stderr, "configuration invalid: %v\n", err)
		return exitConfigError
	}

	fmt.Fprintf(stdout, "configuration for cluster %q is valid (%d nodes)\n", cfg.Topology.ClusterName, len(cfg.Topology.Nodes))
	return exitOK
}

func commandValidateTopology(args []string) int {
	return commandValidateTopologyWithWriters(args, os.Stdout, os.Stderr)
}

func commandValidateTopologyWithWriters(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("validate-topology", flag.ContinueOnError)
	fs.SetOutput(stderr)
	topologyPath := fs.String("topology", config.DefaultTopologyPath, "path to cluster topology YAML file")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	top, err := config.LoadTopology(*topologyPath)
	if err != nil {
		fmt.Fprintf(stderr, "topology invalid: %v\n", err)
		return exitConfigError
	}

	fmt.Fprintf(stdout, "topology %q is valid (%d nodes)\n", top.ClusterName, len(top.Nodes))
	for _, n := range top.Nodes {
		fmt.Fprintf(stdout, "  - [%d] %s (%s:%d)\n", n.ConfigOrder, n.Name, n.HostIP, n.Port)
	}
	return exitOK
}
