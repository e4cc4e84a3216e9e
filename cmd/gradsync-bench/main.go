package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/tensorfleet/gradsync/pkg/core"
	"github.com/tensorfleet/gradsync/pkg/native"
	"github.com/tensorfleet/gradsync/pkg/pipeline"
	"github.com/tensorfleet/gradsync/pkg/server"
	"github.com/tensorfleet/gradsync/pkg/telemetry"
	"github.com/tensorfleet/gradsync/pkg/transport"
)

func main() {
	if err := run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

type benchConfig struct {
	workers int
	tensors int
	elems   int
	rounds  int
}

func run(ctx context.Context) error {
	cfg := benchConfig{workers: 2, tensors: 4, elems: 1024, rounds: 10}
	serverAddr := ""
	rank := 0
	mqttBroker := os.Getenv("MQTT_BROKER")
	mqttTopic := "gradsync/events"

	flag.IntVar(&cfg.workers, "workers", cfg.workers, "push group size")
	flag.IntVar(&cfg.tensors, "tensors", cfg.tensors, "tensors synchronized per round")
	flag.IntVar(&cfg.elems, "elems", cfg.elems, "float32 elements per tensor")
	flag.IntVar(&cfg.rounds, "rounds", cfg.rounds, "synchronization rounds")
	flag.StringVar(&serverAddr, "server", serverAddr, "remote server address; empty runs the whole group in-process")
	flag.IntVar(&rank, "rank", rank, "this worker's rank (remote mode)")
	flag.StringVar(&mqttBroker, "mqtt-broker", mqttBroker, "MQTT broker URL for pipeline events (e.g. tcp://localhost:1883); empty disables")
	flag.StringVar(&mqttTopic, "mqtt-topic", mqttTopic, "MQTT topic for pipeline events")
	klog.InitFlags(nil)
	flag.Parse()

	log := klog.FromContext(ctx)
	runID := uuid.NewString()

	var sink telemetry.Sink = telemetry.LogSink{}
	if mqttBroker != "" {
		mqtt, err := telemetry.NewMQTTSink(telemetry.MQTTConfig{Broker: mqttBroker, Topic: mqttTopic})
		if err != nil {
			return fmt.Errorf("connecting event sink: %w", err)
		}
		defer mqtt.Close()
		sink = telemetry.MultiSink{telemetry.LogSink{}, mqtt}
	}

	log.Info("Starting gradsync-bench", "run", runID, "workers", cfg.workers,
		"tensors", cfg.tensors, "elems", cfg.elems, "rounds", cfg.rounds)

	start := time.Now()
	if serverAddr != "" {
		client, err := transport.DialGRPC(serverAddr, rank)
		if err != nil {
			return fmt.Errorf("connecting to server %q: %w", serverAddr, err)
		}
		defer client.Close()
		if err := runWorker(ctx, cfg, rank, client, sink); err != nil {
			return err
		}
	} else {
		srv := server.New(server.Config{NumWorkers: cfg.workers})
		g, gctx := errgroup.WithContext(ctx)
		for r := 0; r < cfg.workers; r++ {
			g.Go(func() error {
				return runWorker(gctx, cfg, r, transport.NewLoopback(srv, r), sink)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	wall := time.Since(start)

	bytesMoved := 2 * int64(cfg.workers) * int64(cfg.tensors) * int64(cfg.rounds) * 4 * int64(cfg.elems)
	fmt.Printf("| workers | tensors | elems | rounds | wall | MB/s |\n")
	fmt.Printf("|---------|---------|-------|--------|------|------|\n")
	fmt.Printf("| %d | %d | %d | %d | %s | %.1f |\n",
		cfg.workers, cfg.tensors, cfg.elems, cfg.rounds, wall.Round(time.Millisecond),
		float64(bytesMoved)/wall.Seconds()/(1<<20))
	return nil
}

// runWorker drives one rank through the seed phase and every round,
// verifying each pulled aggregate.
func runWorker(ctx context.Context, cfg benchConfig, rank int, client transport.Client, sink telemetry.Sink) error {
	log := klog.FromContext(ctx)

	p, err := pipeline.New(pipeline.Config{Rank: rank, Transport: client, Telemetry: sink})
	if err != nil {
		return fmt.Errorf("building pipeline for rank %d: %w", rank, err)
	}
	if err := p.Start(ctx); err != nil {
		return err
	}
	defer p.Close()

	names := make([]string, cfg.tensors)
	for t := range names {
		names[t] = fmt.Sprintf("grad%04d", t)
		p.DeclareTensor(names[t])
	}

	// Seed every key with zeros. Only rank 0 pushes; the pull below
	// holds each rank back until the seed has landed.
	for _, name := range names {
		seed, err := native.NewTensor(core.Float32, core.ShapeOf(int64(cfg.elems)))
		if err != nil {
			return fmt.Errorf("allocating seed for %q: %w", name, err)
		}
		key, _ := p.KeyFor(name)
		init := &core.TensorTableEntry{
			Name:     name,
			Key:      key,
			Tensor:   seed,
			RootRank: -1,
			Device:   core.CPUDeviceID,
		}
		if st := p.InitTensor(ctx, init); !st.OK() {
			return fmt.Errorf("seeding %q: %w", name, st.Err())
		}
	}
	cmd := core.GetCommandType(core.DefaultPushPull, core.Float32)
	for _, name := range names {
		key, _ := p.KeyFor(name)
		dst := make([]byte, 4*cfg.elems)
		if err := pullSync(ctx, client, []uint64{key}, dst, []int{len(dst)}, cmd); err != nil {
			return fmt.Errorf("waiting for seed of %q: %w", name, err)
		}
	}
	log.V(2).Info("seed phase done", "rank", rank)

	for k := 0; k < cfg.rounds; k++ {
		done := make(chan core.Status, len(names))
		entries := make([]*core.TensorTableEntry, len(names))
		for t, name := range names {
			in := fillTensor(cfg.elems, roundValue(rank, t, k))
			out, err := native.NewTensor(core.Float32, in.Shape())
			if err != nil {
				return fmt.Errorf("allocating output for %q: %w", name, err)
			}
			key, _ := p.KeyFor(name)
			entries[t] = &core.TensorTableEntry{
				Name:       name,
				Key:        key,
				Tensor:     in,
				Output:     out,
				Request:    core.DefaultPushPull,
				Priority:   t,
				RootRank:   -1,
				Device:     core.CPUDeviceID,
				Completion: core.NewCompletion(name, func(st core.Status) { done <- st }),
			}
			if st := p.Submit(entries[t]); !st.OK() {
				return fmt.Errorf("submitting %q in round %d: %w", name, k, st.Err())
			}
		}

		for range names {
			select {
			case st := <-done:
				if !st.OK() {
					return fmt.Errorf("round %d on rank %d: %w", k, rank, st.Err())
				}
			case <-ctx.Done():
				return fmt.Errorf("waiting for round %d on rank %d: %w", k, rank, ctx.Err())
			}
		}

		for t, e := range entries {
			want := expectedValue(cfg.workers, t, k)
			got := e.Output.(*native.Tensor).Float32Values()
			for i, v := range got {
				if v != want {
					return fmt.Errorf("round %d tensor %q element %d = %v, want %v", k, names[t], i, v, want)
				}
			}
		}
		log.V(2).Info("round done", "rank", rank, "round", k)
	}
	return nil
}

func roundValue(rank, tensor, round int) float32 {
	return float32(rank+1) + float32(tensor) + float32(round)
}

func expectedValue(workers, tensor, round int) float32 {
	sum := float32(0)
	for r := 0; r < workers; r++ {
		sum += roundValue(r, tensor, round)
	}
	return sum
}

func fillTensor(n int, v float32) *native.Tensor {
	vals := make([]float32, n)
	for i := range vals {
		vals[i] = v
	}
	return native.FromFloat32(vals...)
}

func pullSync(ctx context.Context, c transport.Client, keys []uint64, dst []byte, lens []int, cmd int) error {
	errs := make(chan error, 1)
	c.Pull(ctx, keys, dst, lens, cmd, func(err error) { errs <- err })
	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
