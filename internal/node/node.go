// Package node wires one committee member's collaborators together and
// runs its lifecycle. Grounded on chainbft_demo's node/node.go: a struct
// embedding tendermint's service.BaseService, built by a single
// constructor and driven by OnStart/OnStop, holding the transport and
// consensus reactor it owns. Unlike the teacher, there is no p2p.Switch or
// MultiplexTransport — spec §6 uses plain WebSocket connections, so
// transport.Transport plays that role directly.
package node

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/libs/service"

	"qosbft/internal/config"
	"qosbft/internal/eventlog"
	"qosbft/internal/ingress"
	"qosbft/internal/pbft"
	"qosbft/internal/pipeline"
	"qosbft/internal/signer"
	"qosbft/internal/transport"
	"qosbft/internal/types"
)

const (
	gcSweepInterval            = 1 * time.Hour
	supplementaryCheckInterval = 5 * time.Minute
)

// Node is one committee member: its transport, PBFT engine, task pipeline
// and HTTP ingress, run under a single BaseService lifecycle.
type Node struct {
	service.BaseService

	config    *config.Config
	committee *types.Committee

	signer    *signer.Ed25519Signer
	transport *transport.Transport
	engine    *pbft.Engine
	pipeline  *pipeline.Pipeline
	sink      *eventlog.PromSink

	httpServer *http.Server

	quit chan struct{}
}

// New builds a Node from cfg, wiring every collaborator per spec §9's
// injected-dependency rule: nothing here is a package-level global.
func New(cfg *config.Config, logger log.Logger) (*Node, error) {
	allNodeIDs := []string{cfg.NodeID}
	for _, peer := range cfg.Peers {
		allNodeIDs = append(allNodeIDs, peer.NodeID)
	}
	committee, err := types.NewCommittee(allNodeIDs, cfg.LeaderID)
	if err != nil {
		return nil, errors.Wrap(err, "build committee")
	}

	sign, err := signer.LoadOrGenEd25519Signer(cfg.NodeID, cfg.NodeID+"_key.json")
	if err != nil {
		return nil, errors.Wrap(err, "load or generate signing key")
	}

	sink := eventlog.NewPromSink()

	// No out-of-band key-distribution mechanism exists in config (peers are
	// configured by address, not public key), so committee messages are
	// signed for audit/traceability but not cryptographically verified;
	// verify stays nil at both the engine and pipeline layer until such a
	// mechanism exists (documented as an Open Question resolution).
	var p *pipeline.Pipeline
	engine := pbft.NewEngine(cfg.NodeID, cfg.IsLeader, committee.Size(), sign, nil, sink, func(proof types.QoSProof, ct types.ConsensusType, taskID string) {
		p.OnConsensusReached(proof, ct, taskID)
	})
	engine.SetLogger(logger.With("module", "pbft"))

	var tp *transport.Transport
	tp = transport.NewTransport(cfg.NodeID, func(msg *types.Message) {
		p.HandleMessage(msg)
	})
	tp.SetLogger(logger.With("module", "transport"))

	p = pipeline.New(cfg.NodeID, cfg.IsLeader, committee, engine, tp, nil, sink, time.Now)
	p.SetLogger(logger.With("module", "pipeline"))

	handler := ingress.NewHandler(cfg.NodeID, p, tp)

	n := &Node{
		config:     cfg,
		committee:  committee,
		signer:     sign,
		transport:  tp,
		engine:     engine,
		pipeline:   p,
		sink:       sink,
		httpServer: &http.Server{Addr: cfg.HTTPAddr(), Handler: handler.Router()},
		quit:       make(chan struct{}),
	}
	n.BaseService = *service.NewBaseService(logger, "Node", n)
	return n, nil
}

// OnStart brings up the WebSocket listener, dials configured peers, starts
// the HTTP ingress, and kicks off the GC/timeout background sweeps.
func (n *Node) OnStart() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/p2p", n.transport.ServeHTTP)
	wsServer := &http.Server{Addr: n.config.ListenAddr(), Handler: mux}
	go func() {
		if err := wsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			n.Logger.Error("transport listener failed", "err", err)
		}
	}()

	go n.transport.Run()

	for _, peer := range n.config.Peers {
		peer := peer
		go func() {
			if err := n.transport.Dial(peer.NodeID, peer.Addr); err != nil {
				n.Logger.Error("dial peer failed", "peer", peer.NodeID, "addr", peer.Addr, "err", err)
			}
		}()
	}

	go func() {
		if err := n.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			n.Logger.Error("http ingress failed", "err", err)
		}
	}()

	go n.runBackgroundSweeps()

	n.Logger.Info("node started", "nodeId", n.config.NodeID, "isLeader", n.config.IsLeader, "listen", n.config.ListenAddr(), "http", n.config.HTTPAddr())
	return nil
}

func (n *Node) runBackgroundSweeps() {
	gcTicker := time.NewTicker(gcSweepInterval)
	supplementaryTicker := time.NewTicker(supplementaryCheckInterval)
	defer gcTicker.Stop()
	defer supplementaryTicker.Stop()

	for {
		select {
		case <-gcTicker.C:
			n.pipeline.GCSweep()
		case <-supplementaryTicker.C:
			n.pipeline.CheckSupplementaryTimeouts()
		case <-n.quit:
			return
		}
	}
}

// OnStop tears down the HTTP servers and the transport in that order,
// mirroring node/node.go's OnStop shape (stop the outward-facing pieces
// first, then the underlying connection layer).
func (n *Node) OnStop() {
	close(n.quit)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := n.httpServer.Shutdown(ctx); err != nil {
		n.Logger.Error("http ingress shutdown failed", "err", err)
	}

	n.transport.Stop()
}

// Pipeline exposes the pipeline for callers that need direct access (e.g.
// tests driving IngestProof without going through HTTP).
func (n *Node) Pipeline() *pipeline.Pipeline { return n.pipeline }

// String satisfies fmt.Stringer for log lines that print the node itself.
func (n *Node) String() string {
	return fmt.Sprintf("Node{%s}", n.config.NodeID)
}
