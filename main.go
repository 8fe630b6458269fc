package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"strings"

	"github.com/banditelect/leaderelect/client"
	"github.com/banditelect/leaderelect/common"
	"github.com/banditelect/leaderelect/config"
	"github.com/banditelect/leaderelect/election"
	"github.com/banditelect/leaderelect/persistent"
	"github.com/banditelect/leaderelect/rpc"
	"github.com/banditelect/leaderelect/simulation"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

func loadConfig(flagset *flag.FlagSet, args []string) config.File {
	configFile := flagset.String("config", "config.yaml", "YAML file containing cluster & configuration details")
	verbose := flagset.Bool("v", false, "log every message")
	if err := flagset.Parse(args); err != nil {
		fmt.Println(err)
		os.Exit(2)
	}
	if *verbose {
		log.SetLevel(log.DebugLevel)
	}
	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Println(err)
		os.Exit(2)
	}
	return cfg
}

// openRecorder returns a TickStore at path (with suffix appended before the
// extension) or a NopRecorder when path is empty.
func openRecorder(path, suffix string, run uuid.UUID) common.Recorder {
	if path == "" {
		return common.NopRecorder{}
	}
	if suffix != "" {
		path = strings.TrimSuffix(path, ".db") + "-" + suffix + ".db"
	}
	store, err := persistent.NewTickStore(path, run)
	if err != nil {
		fmt.Println(err)
		os.Exit(2)
	}
	log.Infof("recording ticks to %s (run %s)", path, store.Run())
	return store
}

func waitForInterrupt() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	<-c
}

func runNode(args []string) {
	flagset := flag.NewFlagSet("node", flag.ExitOnError)
	index := flagset.Int("me", -1, "Index of this node in the cluster")
	cfg := loadConfig(flagset, args)
	if *index < 0 || *index >= cfg.NumNodes {
		fmt.Printf("invalid index: %d (config file specified %d nodes only)\n", *index, cfg.NumNodes)
		os.Exit(2)
	}
	cluster := cfg.ClusterConfig()
	recorder := openRecorder(cfg.RecorderPath, fmt.Sprintf("node%d", *index), uuid.Nil)
	rng := rand.New(rand.NewSource(cfg.Seed + int64(*index)))

	node, err := election.NewNode(cluster.Cluster[*index], cluster, rpc.NewManager(), recorder, rng)
	if err == nil {
		err = node.Start()
	}
	if err != nil {
		fmt.Println(multierr.Append(err, recorder.Close()))
		os.Exit(2)
	}

	waitForInterrupt()
	fmt.Println("Stopping node ...")
	if err := multierr.Append(node.Stop(), recorder.Close()); err != nil {
		fmt.Println(err)
	}
}

func runClient(args []string) {
	flagset := flag.NewFlagSet("client", flag.ExitOnError)
	cfg := loadConfig(flagset, args)
	cluster := cfg.ClusterConfig()
	recorder := openRecorder(cfg.RecorderPath, "client", uuid.Nil)

	c := client.NewClient(cluster, rpc.NewManager(), recorder)
	if err := c.Start(); err != nil {
		fmt.Println(multierr.Append(err, recorder.Close()))
		os.Exit(2)
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	stats, err := c.RunLoop(ctx, cluster.NumRequests)
	printStats(stats)
	if err = multierr.Combine(err, c.Stop(), recorder.Close()); err != nil {
		fmt.Println(err)
	}
}

func runEnvironment(args []string) {
	flagset := flag.NewFlagSet("env", flag.ExitOnError)
	steps := flagset.Int("steps", 100, "Number of failure rounds to inject")
	cfg := loadConfig(flagset, args)
	cluster := cfg.ClusterConfig()
	env := simulation.NewEnvironment(cluster, rpc.NewManager(), schedule(cfg, *steps))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	if err := env.Run(ctx); err != nil {
		fmt.Println(err)
	}
	env.Heal()
}

func runSimulation(args []string) {
	flagset := flag.NewFlagSet("simulate", flag.ExitOnError)
	steps := flagset.Int("steps", 100, "Number of failure rounds to inject")
	cfg := loadConfig(flagset, args)
	cluster := cfg.ClusterConfig()
	recorder := openRecorder(cfg.RecorderPath, "", uuid.New())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	result, err := simulation.Run(ctx, cluster, recorder, cfg.Seed, schedule(cfg, *steps), cluster.NumRequests)
	printStats(result.Stats)
	for id := 0; id < cluster.Size(); id++ {
		fmt.Printf("node %d: leader %d\n", id, result.Views[id].LeaderID)
	}
	fmt.Printf("elapsed: %s\n", result.Elapsed)
	if err = multierr.Append(err, recorder.Close()); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func schedule(cfg config.File, steps int) simulation.Schedule {
	rng := rand.New(rand.NewSource(cfg.Seed))
	return simulation.RandomSchedule(rng, cfg.NumNodes, cfg.Environment.MaxFailed, cfg.Environment.FailureProbability, cfg.FailureInterval(), steps)
}

func printStats(stats client.Stats) {
	fmt.Printf("completed: %d, abandoned: %d, elections: %d, leader: %d\n",
		stats.Completed, stats.Abandoned, stats.Elections, stats.Leader.LeaderID)
}

func runHistory(args []string) {
	flagset := flag.NewFlagSet("history", flag.ExitOnError)
	path := flagset.String("db", "ticks.db", "tick database written by simulate")
	run := flagset.String("run", "", "run id to print (default: list runs)")
	if err := flagset.Parse(args); err != nil {
		fmt.Println(err)
		os.Exit(2)
	}
	store, err := persistent.OpenReadOnly(*path)
	if err != nil {
		fmt.Println(err)
		os.Exit(2)
	}
	defer store.Close()
	if *run == "" {
		runs, err := store.Runs()
		if err != nil {
			fmt.Println(err)
			os.Exit(2)
		}
		for _, info := range runs {
			fmt.Printf("%s  %s\n", info.ID, info.Started.Format("2006-01-02 15:04:05"))
		}
		return
	}
	id, err := uuid.Parse(*run)
	if err != nil {
		fmt.Println(err)
		os.Exit(2)
	}
	history, err := store.LeaderHistory(id)
	if err != nil {
		fmt.Println(err)
		os.Exit(2)
	}
	for _, event := range history {
		fmt.Printf("%d node=%d leader=%d\n", event.Stamp, event.Node, event.Leader)
	}
}

func generateConfig(args []string) {
	flagset := flag.NewFlagSet("config", flag.ExitOnError)
	cfg := config.Default()
	var filepath string
	flagset.StringVar(&filepath, "file", "config.yaml", "full path of config file to write to")
	flagset.IntVar(&cfg.NumNodes, "nodes", cfg.NumNodes, "number of replica nodes")
	flagset.IntVar(&cfg.Port.ReplicaBasePort, "basePort", cfg.Port.ReplicaBasePort, "port of node 0; node i listens on basePort+i")
	flagset.IntVar(&cfg.Port.ClientPort, "clientPort", cfg.Port.ClientPort, "port the client listens on")
	flagset.StringVar(&cfg.Bandit.Algorithm, "algorithm", cfg.Bandit.Algorithm, "epsilon-greedy | ucb | ucb-penalize | deterministic | randomized")
	flagset.StringVar(&cfg.RecorderPath, "recorder", cfg.RecorderPath, "bolt file to record ticks to (empty disables)")
	if err := flagset.Parse(args); err != nil {
		fmt.Println(err)
		os.Exit(2)
	}
	cfg.Environment.MaxFailed = (cfg.NumNodes - 1) / 3
	if err := cfg.Validate(); err != nil {
		fmt.Println(err)
		os.Exit(2)
	}
	if err := cfg.Write(filepath); err != nil {
		fmt.Println(err)
		os.Exit(2)
	}
}

func main() {
	args := os.Args[1:]
	if len(args) < 1 {
		fmt.Printf("usage: %s config | node | client | env | simulate | history ...\n", os.Args[0])
		os.Exit(2)
	}
	switch args[0] {
	case "config":
		generateConfig(args[1:])
	case "node":
		runNode(args[1:])
	case "client":
		runClient(args[1:])
	case "env":
		runEnvironment(args[1:])
	case "simulate":
		runSimulation(args[1:])
	case "history":
		runHistory(args[1:])
	default:
		fmt.Printf("unknown sub-command: %s\n", args[0])
		os.Exit(2)
	}
}
