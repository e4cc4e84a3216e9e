package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"google.golang.org/grpc"
	"k8s.io/klog/v2"

	"github.com/tensorfleet/gradsync/pkg/server"
	"github.com/tensorfleet/gradsync/pkg/store"
	"github.com/tensorfleet/gradsync/pkg/transport"
)

func main() {
	if err := run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	listen := ":9876"
	numWorkers := 1
	snapshotStore := os.Getenv("SNAPSHOT_STORE")
	snapshotName := "gradsync-state"

	flag.StringVar(&listen, "listen", listen, "listen address")
	flag.IntVar(&numWorkers, "num-workers", numWorkers, "push group size; a merge round commits after this many ranks contribute")
	flag.StringVar(&snapshotStore, "snapshot-store", snapshotStore, "snapshot location (gs://<bucket>[/<prefix>] or a directory); empty disables snapshots")
	flag.StringVar(&snapshotName, "snapshot-name", snapshotName, "snapshot object name")
	restore := flag.Bool("restore", false, "restore state from the snapshot store before serving")
	klog.InitFlags(nil)
	flag.Parse()

	log := klog.FromContext(ctx)

	var snapshots store.SnapshotStore
	if snapshotStore != "" {
		s, err := buildSnapshotStore(snapshotStore)
		if err != nil {
			return err
		}
		snapshots = s
	}

	srv := server.New(server.Config{NumWorkers: numWorkers})
	if *restore {
		if snapshots == nil {
			return fmt.Errorf("must specify --snapshot-store to restore")
		}
		if err := srv.LoadSnapshot(ctx, snapshots, snapshotName); err != nil {
			return fmt.Errorf("restoring state: %w", err)
		}
	}

	lis, err := net.Listen("tcp", listen)
	if err != nil {
		return fmt.Errorf("listening on %q: %w", listen, err)
	}
	grpcServer := grpc.NewServer()
	transport.NewKVService(srv).Register(grpcServer)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		log.Info("shutting down")
		grpcServer.GracefulStop()
	}()

	log.Info("Starting gradsync-server", "listen", listen, "numWorkers", numWorkers)
	if err := grpcServer.Serve(lis); err != nil {
		return fmt.Errorf("serving GRPC: %w", err)
	}

	if snapshots != nil {
		// The signal context is done by now; the save gets a fresh one.
		if err := srv.SaveSnapshot(context.WithoutCancel(ctx), snapshots, snapshotName); err != nil {
			return fmt.Errorf("saving state: %w", err)
		}
	}
	return nil
}

func buildSnapshotStore(location string) (store.SnapshotStore, error) {
	if strings.HasPrefix(location, "gs://") {
		bucket, prefix, _ := strings.Cut(strings.TrimPrefix(location, "gs://"), "/")
		if bucket == "" {
			return nil, fmt.Errorf("snapshot store %q has no bucket name", location)
		}
		return &store.GCSStore{Bucket: bucket, Prefix: prefix}, nil
	}

	dir := location
	if strings.HasPrefix(dir, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("getting home directory: %w", err)
		}
		dir = filepath.Join(homeDir, strings.TrimPrefix(dir, "~/"))
	}
	return &store.DirStore{Dir: dir}, nil
}
