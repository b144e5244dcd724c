// Command server runs a single raftlite replica: a gRPC Raft endpoint for
// peer traffic and an HTTP API for the demo KV store it replicates.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/raftlite/raftlite/pkg/api"
	"github.com/raftlite/raftlite/pkg/cluster"
	"github.com/raftlite/raftlite/pkg/grpc"
	"github.com/raftlite/raftlite/pkg/kv"
	"github.com/raftlite/raftlite/pkg/log"
	"github.com/raftlite/raftlite/pkg/node"
	"github.com/raftlite/raftlite/pkg/raft"
	"github.com/raftlite/raftlite/pkg/wal"
)

func main() {
	nodeID := flag.String("id", "", "replica id")
	addr := flag.String("addr", "", "gRPC listen address (e.g., localhost:5000)")
	httpAddr := flag.String("http", "", "HTTP API listen address (e.g., localhost:8000)")
	peers := flag.String("peers", "", "comma-separated voting peers, id1=addr1,id2=addr2")
	learners := flag.String("learners", "", "comma-separated non-voting peers, same id=addr form")
	walDir := flag.String("wal", "", "WAL directory path")
	jsonLogs := flag.Bool("json-logs", false, "emit structured JSON logs instead of console output")
	flag.Parse()

	if *nodeID == "" || *addr == "" || *httpAddr == "" {
		flag.Usage()
		os.Exit(1)
	}

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: *jsonLogs})
	logger := log.WithReplica(*nodeID)

	book := cluster.NewBook()
	book.Set(raft.ReplicaID(*nodeID), *addr)

	var active []raft.ReplicaID
	active = append(active, raft.ReplicaID(*nodeID))
	for _, id := range parsePeerList(book, *peers) {
		active = append(active, id)
	}
	passive := parsePeerList(book, *learners)

	walPath := *walDir
	if walPath == "" {
		walPath = fmt.Sprintf("/tmp/raftlite-wal-%s", *nodeID)
	}

	logger.Info().
		Str("grpc_addr", *addr).
		Str("http_addr", *httpAddr).
		Str("wal_path", walPath).
		Msg("starting replica")

	w, err := wal.New(walPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("open wal")
	}

	store := kv.New()
	transport := grpc.NewTransport(raft.ReplicaID(*nodeID), book)

	cfg := node.Config{
		ID:                 raft.ReplicaID(*nodeID),
		ElectionTimeoutMin: 500 * time.Millisecond,
		ElectionTimeoutMax: 1000 * time.Millisecond,
		HeartbeatInterval:  50 * time.Millisecond,
		RPCTimeout:         2 * time.Second,
	}

	driver, err := node.New(cfg, raft.SimpleConfig(active, passive), w, transport, store)
	if err != nil {
		logger.Fatal().Err(err).Msg("construct driver")
	}

	grpcServer, stopGRPC, err := grpc.NewServer(*addr, driver)
	if err != nil {
		logger.Fatal().Err(err).Msg("start grpc server")
	}
	_ = grpcServer

	driver.Start()

	httpServer := &http.Server{
		Addr:    *httpAddr,
		Handler: api.NewHTTPHandler(driver, store),
	}

	go func() {
		logger.Info().Str("addr", *httpAddr).Msg("http api listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	httpServer.Shutdown(ctx)
	if err := stopGRPC(); err != nil {
		logger.Error().Err(err).Msg("grpc shutdown")
	}
	transport.Close()
	driver.Stop()
	w.Close()

	logger.Info().Msg("shutdown complete")
}

// parsePeerList parses "id1=addr1,id2=addr2" into replica ids, recording
// each address in book along the way.
func parsePeerList(book *cluster.Book, raw string) []raft.ReplicaID {
	if raw == "" {
		return nil
	}
	var ids []raft.ReplicaID
	for _, peer := range strings.Split(raw, ",") {
		parts := strings.SplitN(peer, "=", 2)
		if len(parts) != 2 {
			continue
		}
		id := raft.ReplicaID(parts[0])
		book.Set(id, parts[1])
		ids = append(ids, id)
	}
	return ids
}
