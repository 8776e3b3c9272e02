// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-engine.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/ClusterCockpit/cc-engine/internal/bus"
	"github.com/ClusterCockpit/cc-engine/internal/configstore"
	"github.com/ClusterCockpit/cc-engine/internal/ctxstore"
	"github.com/ClusterCockpit/cc-engine/internal/driver"
	"github.com/ClusterCockpit/cc-engine/internal/flow"
	"github.com/ClusterCockpit/cc-engine/internal/health"
	"github.com/ClusterCockpit/cc-engine/internal/history"
	"github.com/ClusterCockpit/cc-engine/internal/model"
	"github.com/ClusterCockpit/cc-engine/internal/poll"
	"github.com/ClusterCockpit/cc-engine/internal/runtimeEnv"
	"github.com/ClusterCockpit/cc-engine/internal/scripthost/exprhost"
	"github.com/ClusterCockpit/cc-engine/internal/statemachine"
	"github.com/ClusterCockpit/cc-engine/internal/trigger"
	"github.com/ClusterCockpit/cc-engine/pkg/natsconn"
	"github.com/google/gops/agent"
)

func main() {
	var (
		flagConfigDir  string
		flagBroker     string
		flagHistoryDB  string
		flagLogLevel   string
		flagGops       bool
		flagDumpConfig bool
		flagListFlows  bool
	)
	flag.StringVar(&flagConfigDir, "config-dir", "./config", "directory holding connections.json, flows.json, state-machines.json, users.json")
	flag.StringVar(&flagBroker, "broker", "nats://localhost:4222", "address of the NATS broker backing the message bus")
	flag.StringVar(&flagHistoryDB, "history-db", "./var/history.db", "path to the SQLite tag history database")
	flag.StringVar(&flagLogLevel, "log-level", "info", "log level: debug, info, warn, error")
	flag.BoolVar(&flagGops, "gops", false, "listen via github.com/google/gops/agent (for debugging)")
	flag.BoolVar(&flagDumpConfig, "dump-config", false, "print the loaded configuration documents as JSON and exit")
	flag.BoolVar(&flagListFlows, "list-flows", false, "print every configured flow's ID and node count and exit")
	flag.Parse()

	cclog.Init(flagLogLevel, true)

	if flagGops {
		if err := agent.Listen(agent.Options{}); err != nil {
			cclog.Fatalf("gops/agent.Listen failed: %s", err.Error())
		}
	}

	if err := runtimeEnv.LoadEnv("./.env"); err != nil && !os.IsNotExist(err) {
		cclog.Fatalf("parsing './.env' file failed: %s", err.Error())
	}

	store, err := configstore.Open(flagConfigDir)
	if err != nil {
		cclog.Fatalf("opening config store: %v", err)
	}

	if flagDumpConfig {
		dumpConfig(store)
		return
	}
	if flagListFlows {
		listFlows(store)
		return
	}

	busCli, err := bus.NewClient(&natsconn.Config{Address: flagBroker})
	if err != nil {
		cclog.Fatalf("connecting to message bus at %s: %v", flagBroker, err)
	}
	defer busCli.Close()

	driverRegistry := driver.NewRegistry()

	histStore, err := history.Open(flagHistoryDB, "./var/history-overflow.log")
	if err != nil {
		cclog.Fatalf("opening history store: %v", err)
	}
	defer histStore.Close()

	ctxStore, err := ctxstore.Open(flagConfigDir + "/internal-tags.json")
	if err != nil {
		cclog.Fatalf("opening context store: %v", err)
	}
	defer ctxStore.Close()

	scriptHost := exprhost.New()

	pollEngine, err := poll.New(driverRegistry, histStore, busCli)
	if err != nil {
		cclog.Fatalf("creating poll engine: %v", err)
	}
	if err := pollEngine.ReloadConfiguration(store.Connections()); err != nil {
		cclog.Fatalf("loading initial connections: %v", err)
	}

	flowRegistry := flow.NewRegistry()
	flowCompiler := flow.NewCompiler(flowRegistry)
	flowTracer := flow.NewTracer(busCli)

	// flowExecutor is its own Dependencies.SubflowRunner, so the runner is
	// wired through a thunk capturing the not-yet-assigned pointer.
	var flowExecutor *flow.Executor
	flowDeps := flow.Dependencies{
		ContextStore: ctxStore,
		ScriptHost:   scriptHost,
		Bus:          busCli,
		History:      historyAdapter{histStore},
		TagWriter:    pollEngine,
		SubflowRunner: subflowRunnerFunc(func(ctx context.Context, flowID string, input model.MessageEnvelope) (model.MessageEnvelope, error) {
			return flowExecutor.RunSubflow(ctx, flowID, input)
		}),
	}
	flowExecutor = flow.NewExecutor(flowDeps, flowTracer)

	triggerRouter, err := trigger.NewRouter(busCli, flowExecutor)
	if err != nil {
		cclog.Fatalf("creating trigger router: %v", err)
	}
	pollEngine.SetChangeHandler(triggerRouter.OnTagChange)

	for _, def := range store.Flows() {
		if err := flowExecutor.Deploy(flowCompiler, def); err != nil {
			cclog.Errorf("deploying flow %s: %v", def.ID, err)
			continue
		}
		if err := triggerRouter.RefreshFlow(mustFlow(flowExecutor, def.ID)); err != nil {
			cclog.Errorf("wiring triggers for flow %s: %v", def.ID, err)
		}
	}

	smExecutor, err := statemachine.NewExecutor(statemachine.Dependencies{
		Tags:    pollEngine,
		Writer:  pollEngine,
		Scripts: scriptHost,
		Context: ctxStore,
		Bus:     busCli,
		Flows:   flowExecutor,
	})
	if err != nil {
		cclog.Fatalf("creating state machine executor: %v", err)
	}
	smExecutor.LoadConfigs(store.StateMachines())

	healthMonitor, err := health.NewMonitor(busCli)
	if err != nil {
		cclog.Fatalf("creating health monitor: %v", err)
	}
	healthMonitor.Register("bus", busCli)
	healthMonitor.Register("poll", pollEngine)
	healthMonitor.Register("history", histStore)
	healthMonitor.Register("statemachine", smExecutor)

	watcher, err := configstore.NewConfigWatcher(flagConfigDir)
	if err != nil {
		cclog.Fatalf("creating config watcher: %v", err)
	}
	watcher.AddListener(configstore.ConnectionsFileName, func() {
		if err := store.ReloadConnections(); err != nil {
			cclog.Errorf("reloading connections: %v", err)
			return
		}
		if err := pollEngine.ReloadConfiguration(store.Connections()); err != nil {
			cclog.Errorf("applying reloaded connections: %v", err)
		}
	})
	watcher.AddListener(configstore.FlowsFileName, func() {
		if err := store.ReloadFlows(); err != nil {
			cclog.Errorf("reloading flows: %v", err)
			return
		}
		redeployFlows(store, flowExecutor, flowCompiler, triggerRouter)
	})
	watcher.AddListener(configstore.StateMachinesFileName, func() {
		if err := store.ReloadStateMachines(); err != nil {
			cclog.Errorf("reloading state machines: %v", err)
			return
		}
		smExecutor.LoadConfigs(store.StateMachines())
	})
	watcher.Start()
	defer watcher.Close()

	pollEngine.Start()
	smExecutor.Start()
	triggerRouter.Start()
	healthMonitor.Start()

	runtimeEnv.SystemdNotifiy(true, "RUNNING")
	cclog.Infof("engine: running, config-dir=%s broker=%s history-db=%s", flagConfigDir, flagBroker, flagHistoryDB)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	cclog.Infof("engine: shutting down")
	runtimeEnv.SystemdNotifiy(false, "STOPPING")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	healthMonitor.Shutdown()
	triggerRouter.Shutdown()
	if err := smExecutor.Shutdown(); err != nil {
		cclog.Warnf("stopping state machine executor: %v", err)
	}
	if err := pollEngine.Shutdown(ctx); err != nil {
		cclog.Warnf("stopping poll engine: %v", err)
	}
}

// redeployFlows recompiles every configured flow and re-wires its triggers,
// undeploying anything no longer present in the reloaded document.
func redeployFlows(store *configstore.Store, executor *flow.Executor, compiler *flow.Compiler, router *trigger.Router) {
	defs := store.Flows()
	seen := make(map[string]bool, len(defs))

	for _, def := range defs {
		seen[def.ID] = true
		if err := executor.Deploy(compiler, def); err != nil {
			cclog.Errorf("redeploying flow %s: %v", def.ID, err)
			continue
		}
		cf := mustFlow(executor, def.ID)
		if err := router.RefreshFlow(cf); err != nil {
			cclog.Errorf("rewiring triggers for flow %s: %v", def.ID, err)
		}
	}

	for _, id := range executor.DeployedFlowIDs() {
		if !seen[id] {
			router.RemoveFlow(id)
			executor.Undeploy(id)
			cclog.Infof("flow %s removed from flows.json, undeployed", id)
		}
	}
}

func mustFlow(executor *flow.Executor, flowID string) *flow.CompiledFlow {
	cf, _ := executor.Flow(flowID)
	return cf
}

func dumpConfig(store *configstore.Store) {
	out := struct {
		Connections   interface{} `json:"connections"`
		Flows         interface{} `json:"flows"`
		StateMachines interface{} `json:"stateMachines"`
	}{
		Connections:   store.Connections(),
		Flows:         store.Flows(),
		StateMachines: store.StateMachines(),
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		cclog.Fatalf("marshaling config dump: %v", err)
	}
	fmt.Println(string(data))
}

func listFlows(store *configstore.Store) {
	for _, def := range store.Flows() {
		fmt.Printf("%s\t%s\t%d nodes\t%d wires\n", def.ID, def.Name, len(def.Nodes), len(def.Wires))
	}
}

// subflowRunnerFunc adapts a plain function to flow.SubflowRunner.
type subflowRunnerFunc func(ctx context.Context, flowID string, input model.MessageEnvelope) (model.MessageEnvelope, error)

func (f subflowRunnerFunc) RunSubflow(ctx context.Context, flowID string, input model.MessageEnvelope) (model.MessageEnvelope, error) {
	return f(ctx, flowID, input)
}

// historyAdapter bridges history.Store.Latest's json.RawMessage values to
// flow.HistoryAccess's interface{} values.
type historyAdapter struct {
	store *history.Store
}

func (h historyAdapter) Latest(ctx context.Context, connID, tagID string, n int) ([]flow.HistoryRecord, error) {
	recs, err := h.store.Latest(ctx, connID, tagID, n)
	if err != nil {
		return nil, err
	}
	out := make([]flow.HistoryRecord, len(recs))
	for i, r := range recs {
		var v interface{}
		_ = json.Unmarshal(r.Value, &v)
		out[i] = flow.HistoryRecord{Value: v, Quality: r.Quality, Timestamp: r.Timestamp}
	}
	return out, nil
}
